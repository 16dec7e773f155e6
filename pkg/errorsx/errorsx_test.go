package errorsx

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSocketSend)
	if Reason(err) != ReasonSocketSend {
		t.Fatalf("expected reason %s, got %s", ReasonSocketSend, Reason(err))
	}
	if !HasReason(err, ReasonSocketSend) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonUpstreamConnect)
	second := Wrap(first, ReasonSocketSend)
	if Reason(second) != ReasonUpstreamConnect {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestSentinelReasons(t *testing.T) {
	wrapped := fmt.Errorf("feed: %w", ErrMediaSinkFault)
	if Reason(wrapped) != ReasonMediaSinkFault {
		t.Fatalf("expected media sink reason, got %s", Reason(wrapped))
	}
	if Reason(Wrap(ErrStreamAborted, ReasonSocketSend)) != ReasonStreamAborted {
		t.Fatalf("expected sentinel reason to win over wrap")
	}
}

func TestUpstreamError(t *testing.T) {
	err := fmt.Errorf("synthesize: %w", NewUpstreamError(http.StatusServiceUnavailable, "overloaded"))
	ue, ok := AsUpstream(err)
	if !ok {
		t.Fatalf("expected upstream error")
	}
	if ue.Status != http.StatusServiceUnavailable || ue.Body != "overloaded" {
		t.Fatalf("unexpected upstream error %+v", ue)
	}
	if Reason(err) != ReasonUpstream {
		t.Fatalf("expected upstream reason, got %s", Reason(err))
	}
	if got := NewUpstreamError(http.StatusUnauthorized, "").Body; got != "Unauthorized" {
		t.Fatalf("expected status text body, got %q", got)
	}
	if errors.Is(err, ErrInvalidInput) {
		t.Fatalf("upstream error must not match invalid input")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
