package synth

import (
	"context"
	"io"
	"iter"
	"sync"
)

type chunk struct {
	data []byte
	err  error
}

// Stream is a lazy, finite, non-restartable sequence of audio chunks. Chunks
// are forwarded verbatim in arrival order. The sequence ends with io.EOF on a
// clean finish, or with the terminal error otherwise; once ended, Next keeps
// returning that error. Consumers must Close the stream when done with it.
type Stream struct {
	ch      chan chunk
	closed  chan struct{}
	cancel  context.CancelCauseFunc
	body    io.Closer
	once    sync.Once
	mu      sync.Mutex
	termErr error
}

func newStream(cancel context.CancelCauseFunc, body io.Closer) *Stream {
	return &Stream{
		ch:     make(chan chunk),
		closed: make(chan struct{}),
		cancel: cancel,
		body:   body,
	}
}

// Next blocks until the next chunk is available, the stream ends, or ctx is done.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	term := s.termErr
	s.mu.Unlock()
	if term != nil {
		return nil, term
	}
	select {
	case c, ok := <-s.ch:
		if !ok {
			c.err = io.EOF
		}
		if c.err != nil {
			s.mu.Lock()
			if s.termErr == nil {
				s.termErr = c.err
			}
			term = s.termErr
			s.mu.Unlock()
			return nil, term
		}
		return c.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Chunks adapts the stream to a range-over-func sequence. Iteration stops
// after the first error; a clean end yields no error.
func (s *Stream) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			data, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Close releases the backend connection. It is safe to call more than once
// and concurrently with Next.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.cancel(context.Canceled)
		_ = s.body.Close()
	})
	return nil
}

// emit hands one chunk to the consumer. It returns false once the stream is closed.
func (s *Stream) emit(c chunk) bool {
	select {
	case s.ch <- c:
		return true
	case <-s.closed:
		return false
	}
}
