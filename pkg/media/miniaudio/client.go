// Package miniaudio plays and captures audio on the default devices via malgo.
package miniaudio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/media"
)

// Client owns the malgo context shared by every device it opens.
type Client struct {
	// audioContext is kept so it can be uninitialised on Close.
	audioContext *malgo.AllocatedContext
	log          *slog.Logger
}

func NewClient(logger *slog.Logger) (*Client, error) {
	log := logging.NewComponentLogger(logger, "miniaudio")
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("malgo_message", slog.String("message", message))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo init context: %w", err)
	}
	return &Client{audioContext: audioCtx, log: log}, nil
}

// OutputFactory opens one playback device per session, buffering up to
// bufferDuration of PCM ahead of the device.
func (c *Client) OutputFactory(bufferDuration time.Duration) media.OutputFactory {
	return func() (media.Output, error) {
		return newOutput(c, bufferDuration), nil
	}
}

func (c *Client) Close() {
	if c.audioContext == nil {
		return
	}
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
	c.audioContext = nil
}
