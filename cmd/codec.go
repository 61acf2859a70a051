package cmd

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderPool = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		return enc
	}}
	decoderPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	}}
)

func getEncoder() *zstd.Encoder  { return encoderPool.Get().(*zstd.Encoder) }
func putEncoder(e *zstd.Encoder) { encoderPool.Put(e) }
func getDecoder() *zstd.Decoder  { return decoderPool.Get().(*zstd.Decoder) }
func putDecoder(d *zstd.Decoder) { decoderPool.Put(d) }

// codec optionally zstd-compresses frame bodies. The echo server returns the
// body untouched, so a compressed request comes back compressed.
type codec struct {
	compress bool
}

func (c *codec) encode(body []byte) ([]byte, error) {
	if !c.compress {
		return body, nil
	}
	zw := getEncoder()
	defer putEncoder(zw)
	return zw.EncodeAll(body, nil), nil
}

func (c *codec) decode(body []byte) ([]byte, error) {
	if !c.compress {
		return body, nil
	}
	dz := getDecoder()
	defer putDecoder(dz)
	return dz.DecodeAll(body, nil)
}
