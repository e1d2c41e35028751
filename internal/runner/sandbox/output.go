package sandbox

import (
	"bytes"
	"io"
	"sync"
)

// LimitedBuffer collects process output up to a byte limit. The first write past the
// limit calls onOverflow once and everything after it is discarded.
type LimitedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	overflowed bool
	onOverflow func()
}

func NewLimitedBuffer(limit int64, onOverflow func()) *LimitedBuffer {
	return &LimitedBuffer{limit: limit, onOverflow: onOverflow}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.overflowed {
		b.mu.Unlock()
		return len(p), nil
	}
	if b.limit > 0 && int64(b.buf.Len()+len(p)) > b.limit {
		b.overflowed = true
		b.mu.Unlock()
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	b.buf.Write(p)
	b.mu.Unlock()
	return len(p), nil
}

func (b *LimitedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Drain copies pipe into out until EOF or a read error, then marks wg done.
func Drain(wg *sync.WaitGroup, pipe io.Reader, out io.Writer) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
