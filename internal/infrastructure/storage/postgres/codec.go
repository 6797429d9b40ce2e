package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionAlgo names how a stored payload is encoded.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which payloads are compressed.
const DefaultCompressThreshold = 4 * 1024

// PayloadCodec stores JSON documents either inline or zstd-compressed.
// Large transfer manifests are written through it.
type PayloadCodec struct {
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewPayloadCodec creates a codec. threshold <= 0 selects the default.
func NewPayloadCodec(threshold int) (*PayloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &PayloadCodec{encoder: encoder, decoder: decoder, compressThreshold: threshold}, nil
}

// Encode marshals v. Exactly one of inline and compressed is non-nil.
func (c *PayloadCodec) Encode(v any) (inline, compressed []byte, algo CompressionAlgo, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	if len(raw) <= c.compressThreshold {
		return raw, nil, CompressionNone, nil
	}
	return nil, c.encoder.EncodeAll(raw, nil), CompressionZstd, nil
}

// Decode unmarshals a payload produced by Encode into v.
func (c *PayloadCodec) Decode(inline, compressed []byte, algo CompressionAlgo, v any) error {
	raw := inline
	if algo == CompressionZstd {
		decompressed, err := c.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("decompress payload: %w", err)
		}
		raw = decompressed
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
