package tether

// compress.go: optional payload compression inside the
// encryption envelope. The channel compresses the serialized
// load before sealing it, so ciphertext on the wire carries no
// structure either way.

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	CompressNone = ""
	CompressS2   = "s2"
	CompressLZ4  = "lz4"
	CompressZstd = "zstd"
)

// pressor squeezes and expands payload bytes. Each codec's
// writer/reader pair is reused under the mutex; loads are
// small and sealed one at a time, so contention is not a
// concern here.
type pressor struct {
	mut sync.Mutex

	s2w  *s2.Writer
	lz4w *lz4.Writer
	zw   *zstd.Encoder
	zr   *zstd.Decoder
}

func newPressor() *pressor {
	return &pressor{}
}

// compress squeezes by under algo. Empty algo passes through.
func (p *pressor) compress(algo string, by []byte) ([]byte, error) {
	if algo == CompressNone {
		return by, nil
	}
	p.mut.Lock()
	defer p.mut.Unlock()

	var buf bytes.Buffer
	buf.Grow(len(by)/2 + 64)

	switch algo {
	case CompressS2:
		if p.s2w == nil {
			p.s2w = s2.NewWriter(nil)
		}
		p.s2w.Reset(&buf)
		if _, err := p.s2w.Write(by); err != nil {
			return nil, err
		}
		if err := p.s2w.Close(); err != nil {
			return nil, err
		}
	case CompressLZ4:
		if p.lz4w == nil {
			p.lz4w = lz4.NewWriter(nil)
			err := p.lz4w.Apply(lz4.CompressionLevelOption(lz4.Fast))
			panicOn(err)
		}
		p.lz4w.Reset(&buf)
		if _, err := p.lz4w.Write(by); err != nil {
			return nil, err
		}
		if err := p.lz4w.Close(); err != nil {
			return nil, err
		}
	case CompressZstd:
		if p.zw == nil {
			zw, err := zstd.NewWriter(nil)
			if err != nil {
				return nil, err
			}
			p.zw = zw
		}
		return p.zw.EncodeAll(by, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression algo '%v'", algo)
	}
	return buf.Bytes(), nil
}

// decompress inverts compress.
func (p *pressor) decompress(algo string, by []byte) ([]byte, error) {
	if algo == CompressNone {
		return by, nil
	}
	p.mut.Lock()
	defer p.mut.Unlock()

	switch algo {
	case CompressS2:
		r := s2.NewReader(bytes.NewReader(by))
		return io.ReadAll(r)
	case CompressLZ4:
		r := lz4.NewReader(bytes.NewReader(by))
		return io.ReadAll(r)
	case CompressZstd:
		if p.zr == nil {
			zr, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			p.zr = zr
		}
		return p.zr.DecodeAll(by, nil)
	}
	return nil, fmt.Errorf("unknown compression algo '%v'", algo)
}
