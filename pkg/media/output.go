package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOutputClosed is returned by writes after Close.
var ErrOutputClosed = errors.New("media: output closed")

// Output is an audio sink that plays PCM in real time. Write blocks while the
// sink is full. Close stops playback immediately.
type Output interface {
	Start(f Format) error
	Write(pcm []byte) (int, error)
	// Drain waits until everything written has played.
	Drain(ctx context.Context) error
	Close() error
}

// OutputFactory opens a fresh sink for each session.
type OutputFactory func() (Output, error)

// ClockOutput plays to nowhere at wall-clock pace. It runs the companion
// headless and keeps finish signals honest without an audio device.
type ClockOutput struct {
	lead time.Duration

	mu          sync.Mutex
	format      Format
	playedUntil time.Time
	written     int64
	closed      chan struct{}
	once        sync.Once
}

// NewClockOutput returns a clock sink that lets writes run up to lead ahead
// of the playback position.
func NewClockOutput(lead time.Duration) *ClockOutput {
	if lead <= 0 {
		lead = 200 * time.Millisecond
	}
	return &ClockOutput{lead: lead, closed: make(chan struct{})}
}

// ClockOutputFactory returns an OutputFactory for clock sinks.
func ClockOutputFactory(lead time.Duration) OutputFactory {
	return func() (Output, error) { return NewClockOutput(lead), nil }
}

func (o *ClockOutput) Start(f Format) error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return errors.New("media: invalid output format")
	}
	o.mu.Lock()
	o.format = f
	o.mu.Unlock()
	return nil
}

func (o *ClockOutput) Write(pcm []byte) (int, error) {
	select {
	case <-o.closed:
		return 0, ErrOutputClosed
	default:
	}
	now := time.Now()
	o.mu.Lock()
	start := o.playedUntil
	if start.Before(now) {
		start = now
	}
	o.playedUntil = start.Add(o.format.Duration(len(pcm)))
	o.written += int64(len(pcm))
	wait := o.playedUntil.Sub(now) - o.lead
	o.mu.Unlock()
	if wait > 0 {
		if err := o.sleep(context.Background(), wait); err != nil {
			return 0, err
		}
	}
	return len(pcm), nil
}

func (o *ClockOutput) Drain(ctx context.Context) error {
	o.mu.Lock()
	wait := time.Until(o.playedUntil)
	o.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	return o.sleep(ctx, wait)
}

func (o *ClockOutput) Close() error {
	o.once.Do(func() { close(o.closed) })
	return nil
}

// Written returns how many PCM bytes were accepted.
func (o *ClockOutput) Written() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

func (o *ClockOutput) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-o.closed:
		return ErrOutputClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Output = (*ClockOutput)(nil)
