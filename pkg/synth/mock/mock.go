// Package mock is a deterministic synthesis backend for tests and offline runs.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/synth"
)

type Config struct {
	// Chunks are returned one per Read, in order.
	Chunks [][]byte
	// Delay is waited before every chunk.
	Delay time.Duration
	// Status and Body produce an upstream error instead of audio.
	Status int
	Body   string
	// FailAfter ends the stream with FailErr after that many chunks. Zero disables.
	FailAfter int
	FailErr   error
	// Hang blocks after the last chunk until the request is cancelled.
	Hang bool
}

type Backend struct {
	cfg      Config
	mu       sync.Mutex
	requests []synth.Request
}

func New(cfg Config) *Backend {
	if cfg.FailErr == nil {
		cfg.FailErr = io.ErrUnexpectedEOF
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Open(ctx context.Context, req synth.Request) (io.ReadCloser, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.cfg.Status != 0 {
		return nil, errorsx.NewUpstreamError(b.cfg.Status, b.cfg.Body)
	}
	chunks := make([][]byte, len(b.cfg.Chunks))
	for i, c := range b.cfg.Chunks {
		chunks[i] = append([]byte(nil), c...)
	}
	return &reader{ctx: ctx, cfg: b.cfg, chunks: chunks, closed: make(chan struct{})}, nil
}

// Requests returns the requests seen so far.
func (b *Backend) Requests() []synth.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]synth.Request(nil), b.requests...)
}

// Calls returns how many times Open was called.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type reader struct {
	ctx     context.Context
	cfg     Config
	chunks  [][]byte
	sent    int
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

var errClosed = errors.New("mock: read on closed body")

func (r *reader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.cfg.FailAfter > 0 && r.sent >= r.cfg.FailAfter {
		return 0, r.cfg.FailErr
	}
	if r.sent >= len(r.chunks) {
		if r.cfg.Hang {
			return 0, r.wait(0, true)
		}
		return 0, io.EOF
	}
	if err := r.wait(r.cfg.Delay, false); err != nil {
		return 0, err
	}
	c := r.chunks[r.sent]
	r.sent++
	n := copy(p, c)
	r.pending = c[n:]
	return n, nil
}

func (r *reader) wait(d time.Duration, forever bool) error {
	var timeout <-chan time.Time
	if !forever {
		if d <= 0 {
			select {
			case <-r.closed:
				return errClosed
			case <-r.ctx.Done():
				return r.ctx.Err()
			default:
				return nil
			}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-timeout:
		return nil
	case <-r.closed:
		return errClosed
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *reader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

var _ synth.Backend = (*Backend)(nil)
