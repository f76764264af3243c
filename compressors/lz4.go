package compressors

import (
	"encoding/binary"
	"fmt"

	lz4 "github.com/pierrec/lz4/v4"
	"github.com/microsoft/psi-sub007/core"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block
// format. The block format does not record the uncompressed size, so a
// 4-byte little-endian length header is prepended to every record.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(dst, uint32(len(data)))
	n, err := lz4.CompressBlock(data, dst[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input; CompressBlock signals this with n == 0.
		// Store it raw with a zero marker so Decompress can tell.
		dst = append(dst[:4], data...)
		binary.LittleEndian.PutUint32(dst, 0)
		return dst, nil
	}
	return dst[:4+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 record too short: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data)
	if size == 0 {
		// Raw passthrough record.
		return data[4:], nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	return dst[:n], nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
