package frame

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/meigma/resfile/internal/restype"
)

// decoderPool manages reusable zstd decoders to reduce allocation overhead.
// Decoders run single-threaded; parallelism comes from concurrent callers.
type decoderPool struct {
	pool      sync.Pool
	maxMemory uint64
}

// newDecoderPool creates a pool whose decoders refuse to allocate more than
// maxMemory bytes. If maxMemory is 0, no limit is applied.
func newDecoderPool(maxMemory uint64) *decoderPool {
	return &decoderPool{maxMemory: maxMemory}
}

func (p *decoderPool) get() (*zstd.Decoder, error) {
	if dec, ok := p.pool.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if p.maxMemory > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxMemory))
	}
	return zstd.NewReader(nil, opts...)
}

// decode decompresses payload, which must expand to exactly size bytes.
func (p *decoderPool) decode(payload []byte, size int) ([]byte, error) {
	dec, err := p.get()
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", restype.ErrFormat, err)
	}
	defer p.pool.Put(dec)

	out, err := dec.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", restype.ErrFormat, err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: zstd produced %d of %d bytes", restype.ErrFormat, len(out), size)
	}
	return out, nil
}
