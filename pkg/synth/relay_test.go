package synth_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/resilience"
	"github.com/harunnryd/companion/pkg/synth"
	"github.com/harunnryd/companion/pkg/synth/mock"
)

func chunks(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestSynthesizeEmptyTextSkipsBackend(t *testing.T) {
	backend := mock.New(mock.Config{Chunks: chunks("a")})
	relay := synth.NewRelay(backend, synth.Options{})
	for _, text := range []string{"", "   \n"} {
		_, err := relay.Synthesize(context.Background(), text)
		if !errors.Is(err, errorsx.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %q, got %v", text, err)
		}
	}
	if backend.Calls() != 0 {
		t.Fatalf("backend must not be called, got %d calls", backend.Calls())
	}
}

func TestSynthesizePreservesChunkOrder(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	backend := mock.New(mock.Config{Chunks: chunks("ID3", "frame-1", "frame-2", "frame-3")})
	relay := synth.NewRelay(backend, synth.Options{Observer: obs})

	s, err := relay.SynthesizeRequest(context.Background(), synth.Request{Text: "hello", UtteranceID: "u1"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	var got [][]byte
	for {
		b, err := s.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, b)
	}
	want := chunks("ID3", "frame-1", "frame-2", "frame-3")
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if _, err := s.Next(context.Background()); err != io.EOF {
		t.Fatalf("stream must not restart, got %v", err)
	}

	names := obs.Names()
	wantNames := []string{metrics.EventSynthRequest, metrics.EventSynthFirstChunk, metrics.EventSynthDone}
	if len(names) != len(wantNames) {
		t.Fatalf("unexpected events %v", names)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("unexpected events %v", names)
		}
	}
	if reqs := backend.Requests(); len(reqs) != 1 || reqs[0].Text != "hello" {
		t.Fatalf("unexpected backend requests %+v", reqs)
	}
}

func TestSynthesizeUpstreamError(t *testing.T) {
	relay := synth.NewRelay(mock.New(mock.Config{Status: http.StatusServiceUnavailable, Body: "overloaded"}), synth.Options{})
	_, err := relay.Synthesize(context.Background(), "hello")
	up, ok := errorsx.AsUpstream(err)
	if !ok {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if up.Status != http.StatusServiceUnavailable || up.Body != "overloaded" {
		t.Fatalf("unexpected upstream error %+v", up)
	}
}

func TestStreamAbortKeepsForwardedChunks(t *testing.T) {
	relay := synth.NewRelay(mock.New(mock.Config{Chunks: chunks("a", "b", "c"), FailAfter: 2}), synth.Options{})
	s, err := relay.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	var got []byte
	var streamErr error
	for b, err := range s.Chunks(context.Background()) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, b...)
	}
	if string(got) != "ab" {
		t.Fatalf("expected forwarded chunks to survive, got %q", got)
	}
	if !errors.Is(streamErr, errorsx.ErrStreamAborted) {
		t.Fatalf("expected stream aborted, got %v", streamErr)
	}
	if errorsx.Reason(streamErr) != errorsx.ReasonStreamAborted {
		t.Fatalf("unexpected reason %s", errorsx.Reason(streamErr))
	}
}

func TestFirstByteTimeout(t *testing.T) {
	relay := synth.NewRelay(mock.New(mock.Config{Chunks: chunks("late"), Delay: time.Second}), synth.Options{
		FirstByteTimeout: 20 * time.Millisecond,
	})
	s, err := relay.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Next(context.Background())
	if !errors.Is(err, errorsx.ErrSynthesisTimeout) {
		t.Fatalf("expected synthesis timeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("timeout fired too late")
	}
}

func TestIdleTimeoutAfterFirstChunk(t *testing.T) {
	relay := synth.NewRelay(mock.New(mock.Config{Chunks: chunks("first"), Hang: true}), synth.Options{
		IdleTimeout: 20 * time.Millisecond,
	})
	s, err := relay.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer s.Close()

	b, err := s.Next(context.Background())
	if err != nil || string(b) != "first" {
		t.Fatalf("expected first chunk before backend finishes, got %q %v", b, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, errorsx.ErrSynthesisTimeout) {
		t.Fatalf("expected synthesis timeout, got %v", err)
	}
}

func TestCloseStopsHangingStream(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	relay := synth.NewRelay(mock.New(mock.Config{Chunks: chunks("a"), Hang: true}), synth.Options{Observer: obs})
	s, err := relay.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if _, err := s.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	_ = s.Close()
	_ = s.Close()

	deadline := time.Now().Add(time.Second)
	for obs.Count(metrics.EventSynthDone) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pump did not exit after close")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	backend := mock.New(mock.Config{Status: http.StatusTooManyRequests, Body: "slow down"})
	relay := synth.NewRelay(backend, synth.Options{Breaker: resilience.NewCircuitBreaker(2, time.Minute)})
	for i := 0; i < 3; i++ {
		_, err := relay.Synthesize(context.Background(), "hello")
		up, ok := errorsx.AsUpstream(err)
		if !ok || up.Status != http.StatusTooManyRequests {
			t.Fatalf("call %d: expected 429 upstream error, got %v", i, err)
		}
	}
	if backend.Calls() != 2 {
		t.Fatalf("expected breaker to stop the third call, got %d calls", backend.Calls())
	}
}
