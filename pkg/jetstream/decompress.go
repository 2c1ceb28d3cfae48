package jetstream

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Decompressor decodes zstd frames with a shared dictionary. Every Jetstream
// message is a complete frame, so frames are decoded independently.
type Decompressor struct {
	dec *zstd.Decoder
}

// NewDecompressor builds a decoder preloaded with dict. A nil dict decodes
// frames compressed without a dictionary.
func NewDecompressor(dict []byte) (*Decompressor, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithDecoderDicts(dict))
	}

	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Decompressor{dec: dec}, nil
}

// LoadDictionary reads a zstd dictionary from disk.
func LoadDictionary(path string) ([]byte, error) {
	dict, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read zstd dictionary: %w", err)
	}
	if len(dict) == 0 {
		return nil, fmt.Errorf("zstd dictionary %q is empty", path)
	}
	return dict, nil
}

func (d *Decompressor) Decompress(frame []byte) ([]byte, error) {
	out, err := d.dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	return out, nil
}

func (d *Decompressor) Close() {
	d.dec.Close()
}
