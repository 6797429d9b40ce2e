package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolStats_Saturated(t *testing.T) {
	tests := []struct {
		name  string
		stats PoolStats
		want  bool
	}{
		{"idle pool", PoolStats{AcquiredConns: 0, MaxConns: 10}, false},
		{"below threshold", PoolStats{AcquiredConns: 7, MaxConns: 10}, false},
		{"at threshold", PoolStats{AcquiredConns: 8, MaxConns: 10}, true},
		{"fully checked out", PoolStats{AcquiredConns: 2, MaxConns: 2}, true},
		{"unconfigured", PoolStats{AcquiredConns: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stats.Saturated())
		})
	}
}
