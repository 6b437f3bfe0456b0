// Package msgcodec provides message content compression and decompression
// for persisted chat history.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression tags stored alongside persisted message content.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data using zstd and returns the
// compressed bytes along with the corresponding compression tag.
func Compress(data []byte) ([]byte, string) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decompresses data according to the given compression tag.
// Returns an error for unknown tags.
func Decompress(data []byte, compression string) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %q", compression)
	}
}
