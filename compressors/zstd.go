package compressors

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/microsoft/psi-sub007/core"
)

// ZstdCompressor implements the Compressor interface using zstd. A single
// encoder/decoder pair is shared; EncodeAll and DecodeAll are safe for
// concurrent use.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder init: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init: %w", err)
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return decompressed, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
