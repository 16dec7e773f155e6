package errorsx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidInput is returned before any I/O when a caller passes unusable input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStreamAborted ends an audio stream whose transport failed mid-flight.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrSynthesisTimeout ends a synthesis call or stream that stopped producing bytes.
	ErrSynthesisTimeout = errors.New("synthesis timeout")
	// ErrMalformedMessage marks a socket payload that matches no known event shape.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMediaSinkFault marks a playback buffer that rejected or failed an append.
	ErrMediaSinkFault = errors.New("media sink fault")
)

var sentinelReasons = map[error]ReasonCode{
	ErrInvalidInput:     ReasonInvalidInput,
	ErrStreamAborted:    ReasonStreamAborted,
	ErrSynthesisTimeout: ReasonSynthesisTimeout,
	ErrMalformedMessage: ReasonMalformedMessage,
	ErrMediaSinkFault:   ReasonMediaSinkFault,
}

// UpstreamError is a non-success response from the synthesis backend.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = http.StatusText(e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

// NewUpstreamError builds an UpstreamError, defaulting the body to the status text.
func NewUpstreamError(status int, body string) *UpstreamError {
	if body == "" {
		body = http.StatusText(status)
	}
	return &UpstreamError{Status: status, Body: body}
}

// AsUpstream extracts an UpstreamError from err.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue != nil {
		return ue, true
	}
	return nil, false
}
