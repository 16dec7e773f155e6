// Package media holds the receiving side of streamed speech: an append-only
// compressed buffer, a decoder, a realtime output and an analyser tap.
package media

import "time"

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// Duration returns how long n bytes of PCM play for.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if f.SampleRate <= 0 || bpf <= 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}
