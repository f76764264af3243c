package compressors

import (
	"fmt"

	"github.com/microsoft/psi-sub007/core"
)

// New returns the Compressor implementation for the given type.
func New(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", ct)
	}
}
