package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/harunnryd/companion/pkg/media"
)

// Output is a playback device fed from a bounded PCM queue. The device
// callback pulls from the queue and plays silence on underrun.
type Output struct {
	client   *Client
	buffer   time.Duration
	device   *malgo.Device
	format   media.Format
	capBytes int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	closed  bool
}

func newOutput(c *Client, buffer time.Duration) *Output {
	if buffer <= 0 {
		buffer = 500 * time.Millisecond
	}
	o := &Output{client: c, buffer: buffer}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *Output) Start(f media.Format) error {
	if o.client.audioContext == nil {
		return errors.New("miniaudio: client closed")
	}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * f.Channels
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return media.ErrOutputClosed
	}
	o.format = f
	o.capBytes = int(o.buffer.Seconds()*float64(f.SampleRate)) * bytesPerFrame
	o.mu.Unlock()

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(f.SampleRate)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = uint32(f.Channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = uint32(f.SampleRate / 50)
	config.Periods = 4

	device, err := malgo.InitDevice(o.client.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: o.process(bytesPerFrame),
	})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start playback device: %w", err)
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = device.Stop()
		device.Uninit()
		return media.ErrOutputClosed
	}
	o.device = device
	o.mu.Unlock()
	o.client.log.Debug("playback_device_started",
		"sample_rate", f.SampleRate,
		"channels", f.Channels)
	return nil
}

// Write queues PCM, blocking while the queue holds more than the buffer duration.
func (o *Output) Write(pcm []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	written := 0
	for written < len(pcm) {
		for !o.closed && len(o.pending) >= o.capBytes {
			o.cond.Wait()
		}
		if o.closed {
			return written, media.ErrOutputClosed
		}
		n := min(o.capBytes-len(o.pending), len(pcm)-written)
		o.pending = append(o.pending, pcm[written:written+n]...)
		written += n
	}
	return written, nil
}

// Drain polls until the device consumed the queue.
func (o *Output) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		empty, closed := len(o.pending) == 0, o.closed
		o.mu.Unlock()
		if closed {
			return media.ErrOutputClosed
		}
		if empty {
			// One more period for the device's own buffer.
			select {
			case <-time.After(o.format.Duration(o.capBytes) / 10):
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.pending = nil
	o.cond.Broadcast()
	device := o.device
	o.device = nil
	o.mu.Unlock()
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	return nil
}

func (o *Output) process(bytesPerFrame int) malgo.DataProc {
	return func(pOutput, _ []byte, frameCount uint32) {
		need := int(frameCount) * bytesPerFrame
		o.mu.Lock()
		n := copy(pOutput[:need], o.pending)
		o.pending = o.pending[n:]
		o.cond.Broadcast()
		o.mu.Unlock()
		clear(pOutput[n:need])
	}
}

var _ media.Output = (*Output)(nil)
