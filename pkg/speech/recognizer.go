// Package speech turns the user's voice into outbound transcript messages.
package speech

import (
	"context"
)

// Transcript is one recognition result.
type Transcript struct {
	Text  string
	Final bool
}

// Recognizer defines the contract for any speech-to-text implementation.
type Recognizer interface {
	// Name returns recognizer name for logging/metrics.
	Name() string
	// Start opens the recognition session.
	Start(ctx context.Context) error
	// Close shuts the session down and closes Results.
	Close() error
	// Results returns recognized transcripts in order.
	Results() <-chan Transcript
}

// AudioSink accepts raw PCM for recognizers fed from a microphone.
type AudioSink interface {
	SendAudio(pcm []byte) error
}
