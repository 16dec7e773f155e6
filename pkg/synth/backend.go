// Package synth relays text to a speech synthesis backend and exposes the
// resulting compressed audio as an incremental chunk stream.
package synth

import (
	"context"
	"io"
)

// ContentType is the only audio format relayed end to end.
const ContentType = "audio/mpeg"

// Request is a single synthesis call.
type Request struct {
	Text        string
	UtteranceID string
}

// Backend opens one synthesis request. Implementations translate non-success
// responses to *errorsx.UpstreamError before any audio is returned, and must
// stop reading when ctx is done.
type Backend interface {
	Name() string
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}
