package media

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harunnryd/companion/pkg/errorsx"
)

const defaultQuota = 256 * 1024

var (
	// ErrAppendPending is returned when Append is called before the previous
	// append signalled readiness.
	ErrAppendPending = errors.New("media: append still pending")
	// ErrBufferClosed is returned by Read after Close.
	ErrBufferClosed = errors.New("media: buffer closed")
)

// SourceBuffer accepts compressed audio incrementally. Append returns a
// readiness channel that yields once the chunk was accepted; callers must
// wait on it before appending again.
type SourceBuffer interface {
	Append(chunk []byte) (<-chan error, error)
	EndOfStream() error
}

// Buffer is the SourceBuffer used by Session. The decoder drains it through
// Read; an append is ready once the queued bytes fit within the quota.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	buffered int
	quota    int
	pending  chan error
	ended    bool
	closed   bool
	fault    error
	total    int64
}

func NewBuffer(quota int) *Buffer {
	if quota <= 0 {
		quota = defaultQuota
	}
	b := &Buffer{quota: quota}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer) Append(chunk []byte) (<-chan error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.fault != nil:
		return nil, b.fault
	case b.closed:
		return nil, fmt.Errorf("%w: append on closed buffer", errorsx.ErrMediaSinkFault)
	case b.ended:
		return nil, fmt.Errorf("%w: append after end of stream", errorsx.ErrMediaSinkFault)
	case b.pending != nil:
		return nil, ErrAppendPending
	}
	ready := make(chan error, 1)
	if len(chunk) > 0 {
		b.queue = append(b.queue, append([]byte(nil), chunk...))
		b.buffered += len(chunk)
		b.total += int64(len(chunk))
	}
	b.pending = ready
	b.resolveLocked()
	b.cond.Broadcast()
	return ready, nil
}

// EndOfStream marks the input complete. Read returns io.EOF once drained.
func (b *Buffer) EndOfStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: end of stream on closed buffer", errorsx.ErrMediaSinkFault)
	}
	b.ended = true
	b.cond.Broadcast()
	return nil
}

// Read implements io.Reader for the decoder.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.ended && !b.closed && b.fault == nil {
		b.cond.Wait()
	}
	if b.closed {
		return 0, ErrBufferClosed
	}
	if b.fault != nil {
		return 0, b.fault
	}
	if len(b.queue) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && len(b.queue) > 0 {
		c := copy(p[n:], b.queue[0])
		n += c
		if c == len(b.queue[0]) {
			b.queue = b.queue[1:]
		} else {
			b.queue[0] = b.queue[0][c:]
		}
	}
	b.buffered -= n
	b.resolveLocked()
	return n, nil
}

// Fail puts the buffer in a fault state; pending and future appends fail with err.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault != nil {
		return
	}
	b.fault = err
	if b.pending != nil {
		b.pending <- err
		b.pending = nil
	}
	b.cond.Broadcast()
}

// Close releases readers and fails a pending append.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.queue = nil
	b.buffered = 0
	if b.pending != nil {
		b.pending <- fmt.Errorf("%w: buffer closed", errorsx.ErrMediaSinkFault)
		b.pending = nil
	}
	b.cond.Broadcast()
	return nil
}

// Total returns how many bytes were appended.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Buffer) resolveLocked() {
	if b.pending != nil && b.buffered <= b.quota {
		b.pending <- nil
		b.pending = nil
	}
}

var _ SourceBuffer = (*Buffer)(nil)
