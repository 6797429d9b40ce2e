// Package numerator formats sequential document numbers such as TR-2026-00001.
// The counters themselves live in the storage partition, behind Sequencer.
package numerator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResetPeriod controls when a counter starts again from 1.
type ResetPeriod string

const (
	ResetYearly  ResetPeriod = "year"
	ResetMonthly ResetPeriod = "month"
	ResetNever   ResetPeriod = "never"
)

// Config holds numbering configuration.
type Config struct {
	// Prefix added to all numbers (e.g., "TR")
	Prefix string

	// IncludeYear adds year to the number
	IncludeYear bool

	// PadWidth is the minimum number width (default 5)
	PadWidth int

	Reset ResetPeriod
}

// DefaultConfig returns yearly numbering with the year in the number.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:      prefix,
		IncludeYear: true,
		PadWidth:    5,
		Reset:       ResetYearly,
	}
}

// Sequencer hands out increasing values per key. Implementations allocate in
// the caller's transaction, so numbers of a rolled-back document may be reused.
type Sequencer interface {
	NextSequence(ctx context.Context, key string) (int64, error)
}

// Next allocates and formats the next number for period.
func Next(ctx context.Context, seq Sequencer, cfg Config, period time.Time) (string, error) {
	n, err := seq.NextSequence(ctx, Key(cfg, period))
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", cfg.Prefix, err)
	}
	return Format(cfg, period, n), nil
}

// Key is the counter key of cfg in period.
func Key(cfg Config, period time.Time) string {
	switch cfg.Reset {
	case ResetMonthly:
		return cfg.Prefix + "_" + period.Format("2006_01")
	case ResetYearly:
		return cfg.Prefix + "_" + period.Format("2006")
	default:
		return cfg.Prefix
	}
}

// Format renders n as PREFIX-YEAR-NNNNN or PREFIX-NNNNN.
func Format(cfg Config, period time.Time, n int64) string {
	width := cfg.PadWidth
	if width <= 0 {
		width = 5
	}
	if cfg.IncludeYear {
		return fmt.Sprintf("%s-%s-%0*d", cfg.Prefix, period.Format("2006"), width, n)
	}
	return fmt.Sprintf("%s-%0*d", cfg.Prefix, width, n)
}

// Parse extracts the numeric part of a formatted number.
// Returns -1 if parsing fails.
func Parse(formatted string) int64 {
	i := strings.LastIndexByte(formatted, '-')
	if i < 0 || i == len(formatted)-1 {
		return -1
	}
	n, err := strconv.ParseInt(formatted[i+1:], 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
