package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
)

func TestBufferReadinessFollowsQuota(t *testing.T) {
	b := NewBuffer(4)
	ready, err := b.Append([]byte("abcdef"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case <-ready:
		t.Fatalf("append over quota must not be ready yet")
	default:
	}
	if _, err := b.Append([]byte("x")); !errors.Is(err, ErrAppendPending) {
		t.Fatalf("expected pending error, got %v", err)
	}

	p := make([]byte, 3)
	if n, err := b.Read(p); n != 3 || err != nil {
		t.Fatalf("read: %d %v", n, err)
	}
	select {
	case err := <-ready:
		if err != nil {
			t.Fatalf("unexpected readiness error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected readiness after draining below quota")
	}
}

func TestBufferPreservesOrderAndEnds(t *testing.T) {
	b := NewBuffer(0)
	for _, c := range []string{"one-", "two-", "three"} {
		ready, err := b.Append([]byte(c))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := <-ready; err != nil {
			t.Fatalf("ready: %v", err)
		}
	}
	if err := b.EndOfStream(); err != nil {
		t.Fatalf("eos: %v", err)
	}
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if string(got) != "one-two-three" {
		t.Fatalf("unexpected bytes %q", got)
	}
	if _, err := b.Append([]byte("late")); !errors.Is(err, errorsx.ErrMediaSinkFault) {
		t.Fatalf("expected sink fault after end of stream, got %v", err)
	}
	if b.Total() != int64(len("one-two-three")) {
		t.Fatalf("unexpected total %d", b.Total())
	}
}

func TestBufferCloseFailsPendingAppend(t *testing.T) {
	b := NewBuffer(1)
	ready, err := b.Append([]byte("abc"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = b.Close()
	if err := <-ready; !errors.Is(err, errorsx.ErrMediaSinkFault) {
		t.Fatalf("expected sink fault, got %v", err)
	}
	if _, err := b.Read(make([]byte, 4)); !errors.Is(err, ErrBufferClosed) {
		t.Fatalf("expected closed read, got %v", err)
	}
}

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestRingKeepsNewestSamples(t *testing.T) {
	r := NewRing(4)
	r.WritePCM16(pcm16(1000, -1000, 2000, 2000), 2)
	dst := make([]float32, 8)
	if n := r.TimeDomain(dst); n != 2 {
		t.Fatalf("expected 2 mono samples, got %d", n)
	}
	if dst[0] != 0 || dst[1] != float32(2000)/32768 {
		t.Fatalf("unexpected downmix %v", dst[:2])
	}

	r.WritePCM16(pcm16(1, 2, 3, 4, 5), 1)
	n := r.TimeDomain(dst)
	if n != 4 {
		t.Fatalf("expected full window, got %d", n)
	}
	for i, want := range []int16{2, 3, 4, 5} {
		if dst[i] != float32(want)/32768 {
			t.Fatalf("sample %d: got %v", i, dst[i])
		}
	}
	r.Reset()
	if r.TimeDomain(dst) != 0 {
		t.Fatalf("expected empty ring after reset")
	}
}

func TestClockOutputDrainWaitsForPlayback(t *testing.T) {
	out := NewClockOutput(time.Hour)
	if err := out.Start(Format{SampleRate: 8000, Channels: 1}); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if _, err := out.Write(make([]byte, 800)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := out.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("drain returned before 50ms of audio played")
	}
	_ = out.Close()
	if _, err := out.Write([]byte{0, 0}); !errors.Is(err, ErrOutputClosed) {
		t.Fatalf("expected closed output, got %v", err)
	}
}

func TestSessionPlaysToCompletion(t *testing.T) {
	out := NewClockOutput(time.Hour)
	s, err := OpenSession(SessionConfig{Output: out, Decoder: PCM(Format{SampleRate: 8000, Channels: 1})})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	loud := bytes.Repeat(pcm16(16000), 400)
	ready, err := s.Append(loud)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := <-ready; err != nil {
		t.Fatalf("ready: %v", err)
	}
	select {
	case <-s.Started():
	case <-time.After(time.Second):
		t.Fatalf("playback did not start after first append")
	}
	if err := s.EndOfStream(); err != nil {
		t.Fatalf("eos: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not finish")
	}
	if s.Err() != nil {
		t.Fatalf("unexpected error %v", s.Err())
	}
	if out.Written() != int64(len(loud)) {
		t.Fatalf("expected %d bytes played, got %d", len(loud), out.Written())
	}
	dst := make([]float32, DefaultWindow)
	if n := s.Analyser().TimeDomain(dst); n != 400 || dst[0] != float32(16000)/32768 {
		t.Fatalf("analyser did not see the signal: n=%d first=%v", n, dst[0])
	}
}

func TestSessionCloseStopsSink(t *testing.T) {
	out := NewClockOutput(time.Millisecond)
	s, err := OpenSession(SessionConfig{Output: out, Decoder: PCM(Format{SampleRate: 8000, Channels: 1})})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// Ten seconds of audio.
	ready, err := s.Append(make([]byte, 160000))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	<-ready
	<-s.Started()

	start := time.Now()
	_ = s.Close()
	if time.Since(start) > time.Second {
		t.Fatalf("close did not stop the sink promptly")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("close must wait for the decode loop")
	}
	if s.Err() != nil {
		t.Fatalf("close must not record a fault, got %v", s.Err())
	}
}

type failingOutput struct{ *ClockOutput }

func (failingOutput) Write([]byte) (int, error) { return 0, errors.New("device lost") }

func TestSessionOutputFaultFailsAppends(t *testing.T) {
	s, err := OpenSession(SessionConfig{
		Output:  failingOutput{NewClockOutput(0)},
		Decoder: PCM(Format{SampleRate: 8000, Channels: 1}),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ready, err := s.Append(make([]byte, 64))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	<-ready
	<-s.Done()
	if !errors.Is(s.Err(), errorsx.ErrMediaSinkFault) {
		t.Fatalf("expected sink fault, got %v", s.Err())
	}
	if _, err := s.Append([]byte{1}); !errors.Is(err, errorsx.ErrMediaSinkFault) {
		t.Fatalf("expected append to fail after fault, got %v", err)
	}
}

// gatedOutput blocks Start until release is closed and records sink calls.
type gatedOutput struct {
	*ClockOutput
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func (g *gatedOutput) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *gatedOutput) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *gatedOutput) Start(f Format) error {
	close(g.entered)
	<-g.release
	g.record("start")
	return g.ClockOutput.Start(f)
}

func (g *gatedOutput) Close() error {
	g.record("close")
	return g.ClockOutput.Close()
}

func TestSessionCloseDuringStartClosesSink(t *testing.T) {
	out := &gatedOutput{
		ClockOutput: NewClockOutput(0),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s, err := OpenSession(SessionConfig{Output: out, Decoder: PCM(Format{SampleRate: 8000, Channels: 1})})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-out.entered:
	case <-time.After(time.Second):
		t.Fatalf("sink was never started")
	}

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	deadline := time.Now().Add(time.Second)
	for len(out.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("close did not reach the sink")
		}
		time.Sleep(time.Millisecond)
	}
	close(out.release)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("close did not return")
	}
	calls := out.Calls()
	if len(calls) == 0 || calls[len(calls)-1] != "close" {
		t.Fatalf("sink left running after close, calls=%v", calls)
	}
	if s.Err() != nil {
		t.Fatalf("close must not record a fault, got %v", s.Err())
	}
}
