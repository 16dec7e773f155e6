package mock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Transport is an in-memory transport for local testing and offline runs.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	recvCh chan []byte
	sentCh chan []byte
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan []byte, 256),
		sentCh: make(chan []byte, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan []byte { return t.recvCh }

func (t *Transport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- append([]byte(nil), msg...):
	default:
	}
	return nil
}

// Push injects an inbound message into the transport.
func (t *Transport) Push(msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- msg:
	default:
	}
}

// Sent exposes outbound messages for inspection.
func (t *Transport) Sent() <-chan []byte { return t.sentCh }
