// Package camera sends periodic snapshots to the companion server so it can
// see the user. Snapshots are skipped while the avatar is talking.
package camera

import (
	"context"
	"errors"
	"os"
	"sync"
)

// ErrNoFrame is returned when a capturer has nothing to offer yet.
var ErrNoFrame = errors.New("camera has no frame")

// Capturer grabs one encoded still image.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) ([]byte, error)

func (f CapturerFunc) Capture(ctx context.Context) ([]byte, error) { return f(ctx) }

// FileCapturer reads the latest frame written to Path by an external grabber
// (for example `ffmpeg -update 1 snapshot.png`).
type FileCapturer struct {
	Path string
}

func (c FileCapturer) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, ErrNoFrame
	}
	return data, err
}

// StaticCapturer always returns the same frame. Set replaces it.
type StaticCapturer struct {
	mu    sync.Mutex
	frame []byte
}

func NewStaticCapturer(frame []byte) *StaticCapturer {
	return &StaticCapturer{frame: frame}
}

func (c *StaticCapturer) Set(frame []byte) {
	c.mu.Lock()
	c.frame = frame
	c.mu.Unlock()
}

func (c *StaticCapturer) Capture(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frame) == 0 {
		return nil, ErrNoFrame
	}
	return append([]byte(nil), c.frame...), nil
}
