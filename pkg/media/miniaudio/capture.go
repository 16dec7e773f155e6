package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/harunnryd/companion/pkg/media"
)

// Capture streams microphone PCM to a callback.
type Capture struct {
	client *Client
	format media.Format
	device *malgo.Device
	mu     sync.Mutex
}

// NewCapture prepares a capture device; it records nothing until Start.
func (c *Client) NewCapture(f media.Format) *Capture {
	return &Capture{client: c, format: f}
}

func (c *Capture) Format() media.Format { return c.format }

func (c *Capture) Start(onAudio func(pcm []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil
	}
	bytesPerFrame := malgo.SampleSizeInBytes(malgo.FormatS16) * c.format.Channels

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(c.format.SampleRate)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = uint32(c.format.Channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 480
	config.Periods = 3

	device, err := malgo.InitDevice(c.client.audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			// The device reuses pInput.
			onAudio(append([]byte(nil), pInput[:n]...))
		},
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	c.device = device
	return nil
}

func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	err := c.device.Stop()
	c.device.Uninit()
	c.device = nil
	if err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}
