package sqlite

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Scripts and outputs are stored zstd-compressed. The encoder and decoder
// are safe for concurrent use and shared by every store.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlite: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlite: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(text string) []byte {
	return zstdEncoder.EncodeAll([]byte(text), nil)
}

func decompress(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	data, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(data), nil
}
