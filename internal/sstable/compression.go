package sstable

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec used for a data block. It is stored
// per-SSTable in the footer so a reader never needs out-of-band
// knowledge of how a file was written.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// compressBlock compresses raw per the requested codec. Supplemented from
// the teacher's pkg/compression package, which wraps these same two
// klauspost/compress codecs for stored documents; nexadb moves the
// concern down to the SSTable block writer instead.
func compressBlock(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: zstd encoder: %w", err)
		}
		out := enc.EncodeAll(raw, nil)
		enc.Close()
		return out, nil
	default:
		return nil, fmt.Errorf("sstable: unknown compression codec %d", c)
	}
}

func decompressBlock(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		return snappy.Decode(nil, data)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("sstable: zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("sstable: unknown compression codec %d", c)
	}
}
