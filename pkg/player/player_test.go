package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/media"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(ev string) int {
	for i, e := range l.snapshot() {
		if e == ev {
			return i
		}
	}
	return -1
}

type fakeSession struct {
	name       string
	log        *eventLog
	readyDelay time.Duration
	appendErr  error

	mu        sync.Mutex
	appended  [][]byte
	inFlight  bool
	violation bool
	ended     bool

	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	closed    bool
	analyser  *media.Ring
	// closeGate, when set, holds Close until it is closed.
	closeGate chan struct{}
	closing   chan struct{}
}

func newFakeSession(name string, log *eventLog) *fakeSession {
	return &fakeSession{
		name:     name,
		log:      log,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		analyser: media.NewRing(0),
		closing:  make(chan struct{}),
	}
}

func (s *fakeSession) Append(chunk []byte) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	if s.closed {
		return nil, errorsx.ErrMediaSinkFault
	}
	if s.inFlight {
		s.violation = true
	}
	s.inFlight = true
	s.appended = append(s.appended, append([]byte(nil), chunk...))
	s.log.add("append:%s:%s", s.name, chunk)
	s.startOnce.Do(func() { close(s.started) })
	ready := make(chan error, 1)
	go func() {
		time.Sleep(s.readyDelay)
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		ready <- nil
	}()
	return ready, nil
}

func (s *fakeSession) EndOfStream() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.log.add("eos:%s", s.name)
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) Analyser() media.Analyser { return s.analyser }
func (s *fakeSession) Started() <-chan struct{} { return s.started }
func (s *fakeSession) Done() <-chan struct{}    { return s.done }
func (s *fakeSession) Err() error               { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.log.add("close:%s", s.name)
		close(s.closing)
		if s.closeGate != nil {
			<-s.closeGate
		}
	}
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) chunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.appended))
	for i, c := range s.appended {
		out[i] = string(c)
	}
	return out
}

type fakeSource struct {
	chunks []string
	err    error
	hang   bool
	pos    int
	mu     sync.Mutex
	closed bool
}

func (f *fakeSource) Next(ctx context.Context) ([]byte, error) {
	if f.pos < len(f.chunks) {
		c := f.chunks[f.pos]
		f.pos++
		return []byte(c), nil
	}
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return nil, io.EOF
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type opener struct {
	log      *eventLog
	mu       sync.Mutex
	sessions []*fakeSession
	tune     func(*fakeSession)
}

func (o *opener) open() (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := newFakeSession(fmt.Sprintf("s%d", len(o.sessions)), o.log)
	if o.tune != nil {
		o.tune(s)
	}
	o.sessions = append(o.sessions, s)
	o.log.add("open:%s", s.name)
	return s, nil
}

func waitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case r := <-h.Finished():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("playback %s never finished", h.ID())
	}
	return Result{}
}

func TestPlayCompletesInOrderWithBackpressure(t *testing.T) {
	o := &opener{log: &eventLog{}, tune: func(s *fakeSession) { s.readyDelay = 2 * time.Millisecond }}
	p := New(Options{Open: o.open})
	src := &fakeSource{chunks: []string{"a", "b", "c", "d"}}

	r := waitResult(t, p.Play(context.Background(), "u1", src))
	if r.Reason != Completed || r.Err != nil {
		t.Fatalf("expected completed, got %+v", r)
	}
	s := o.sessions[0]
	got := s.chunks()
	if fmt.Sprint(got) != "[a b c d]" {
		t.Fatalf("unexpected append order %v", got)
	}
	if s.violation {
		t.Fatalf("append issued before previous readiness")
	}
	if !src.isClosed() {
		t.Fatalf("expected source to be closed")
	}
	if o.log.index("close:s0") < o.log.index("eos:s0") {
		t.Fatalf("session closed before end of stream: %v", o.log.snapshot())
	}
	if p.Active() != nil {
		t.Fatalf("expected no active analyser after completion")
	}
}

func TestPlaySupersedesPreviousBeforeFirstAppend(t *testing.T) {
	o := &opener{log: &eventLog{}}
	p := New(Options{Open: o.open})

	a := p.Play(context.Background(), "A", &fakeSource{chunks: []string{"a1"}, hang: true})
	deadline := time.Now().Add(time.Second)
	for o.log.index("append:s0:a1") < 0 {
		if time.Now().After(deadline) {
			t.Fatalf("A never started")
		}
		time.Sleep(time.Millisecond)
	}
	if p.Active() == nil {
		t.Fatalf("expected active analyser while A plays")
	}

	b := p.Play(context.Background(), "B", &fakeSource{chunks: []string{"b1", "b2"}})
	ra := waitResult(t, a)
	if ra.Reason != Superseded {
		t.Fatalf("expected A superseded, got %+v", ra)
	}
	rb := waitResult(t, b)
	if rb.Reason != Completed {
		t.Fatalf("expected B completed, got %+v", rb)
	}

	closeA := o.log.index("close:s0")
	firstB := o.log.index("append:s1:b1")
	openB := o.log.index("open:s1")
	if closeA < 0 || openB < closeA || firstB < closeA {
		t.Fatalf("A must be closed before B opens and appends: %v", o.log.snapshot())
	}
}

func TestStreamErrorDrainsAndAborts(t *testing.T) {
	o := &opener{log: &eventLog{}}
	p := New(Options{Open: o.open})
	src := &fakeSource{chunks: []string{"a"}, err: errorsx.ErrStreamAborted}

	r := waitResult(t, p.Play(context.Background(), "u1", src))
	if r.Reason != Aborted || !errors.Is(r.Err, errorsx.ErrStreamAborted) {
		t.Fatalf("expected aborted with stream error, got %+v", r)
	}
	if o.log.index("eos:s0") < 0 {
		t.Fatalf("expected end of stream so buffered audio drains: %v", o.log.snapshot())
	}
	if fmt.Sprint(o.sessions[0].chunks()) != "[a]" {
		t.Fatalf("forwarded chunk must still be played")
	}
}

func TestAppendFaultAborts(t *testing.T) {
	o := &opener{log: &eventLog{}, tune: func(s *fakeSession) { s.appendErr = errors.New("quota exceeded") }}
	p := New(Options{Open: o.open})

	r := waitResult(t, p.Play(context.Background(), "u1", &fakeSource{chunks: []string{"a"}}))
	if r.Reason != Aborted || !errors.Is(r.Err, errorsx.ErrMediaSinkFault) {
		t.Fatalf("expected sink fault abort, got %+v", r)
	}
	if o.log.index("close:s0") < 0 {
		t.Fatalf("expected session to be closed")
	}
}

func TestStopSupersedesActive(t *testing.T) {
	o := &opener{log: &eventLog{}}
	p := New(Options{Open: o.open})
	h := p.Play(context.Background(), "u1", &fakeSource{hang: true})
	p.Stop()
	if r := waitResult(t, h); r.Reason != Superseded {
		t.Fatalf("expected superseded, got %+v", r)
	}
	p.Stop()
}

func TestActiveDoesNotWaitForSupersede(t *testing.T) {
	gate := make(chan struct{})
	o := &opener{log: &eventLog{}, tune: func(s *fakeSession) { s.closeGate = gate }}
	p := New(Options{Open: o.open})
	h := p.Play(context.Background(), "u1", &fakeSource{hang: true})
	if p.Active() == nil {
		t.Fatalf("expected an analyser while playing")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-o.sessions[0].closing:
	case <-time.After(time.Second):
		t.Fatalf("stop never closed the session")
	}

	got := make(chan media.Analyser, 1)
	go func() { got <- p.Active() }()
	select {
	case a := <-got:
		if a != nil {
			t.Fatalf("expected no analyser once superseded")
		}
	case <-time.After(time.Second):
		t.Fatalf("Active blocked behind the closing session")
	}

	close(gate)
	<-stopped
	if r := waitResult(t, h); r.Reason != Superseded {
		t.Fatalf("expected superseded, got %+v", r)
	}
}

func TestParentCancelAborts(t *testing.T) {
	o := &opener{log: &eventLog{}}
	p := New(Options{Open: o.open})
	ctx, cancel := context.WithCancel(context.Background())
	h := p.Play(ctx, "u1", &fakeSource{hang: true})
	cancel()
	r := waitResult(t, h)
	if r.Reason != Aborted || !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("expected aborted on shutdown, got %+v", r)
	}
}

func TestOpenFailureAborts(t *testing.T) {
	p := New(Options{Open: func() (Session, error) { return nil, errors.New("no device") }})
	src := &fakeSource{}
	r := waitResult(t, p.Play(context.Background(), "u1", src))
	if r.Reason != Aborted || errorsx.Reason(r.Err) != errorsx.ReasonMediaSinkFault {
		t.Fatalf("expected aborted sink fault, got %+v", r)
	}
	if !src.isClosed() {
		t.Fatalf("expected source to be closed")
	}
}
