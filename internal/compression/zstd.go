package compression

import (
	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
)

const Algorithm = "zstd"

// Compressor wraps reusable zstd encoder and decoder instances. Both are
// safe for concurrent EncodeAll/DecodeAll calls.
type Compressor struct {
	level   int
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func New(level int) (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Annotate(err, "failed to create zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create zstd decoder")
	}
	return &Compressor{level: level, encoder: encoder, decoder: decoder}, nil
}

func (c *Compressor) Level() int {
	return c.level
}

func (c *Compressor) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Annotate(err, "failed to decompress")
	}
	return out, nil
}
