package media

import (
	"encoding/binary"
	"sync"
)

// DefaultWindow is the analyser window in samples.
const DefaultWindow = 2048

// Analyser exposes the most recent time-domain samples of the playing signal.
type Analyser interface {
	// TimeDomain copies the newest samples, oldest first, scaled to [-1, 1].
	// It returns how many were written.
	TimeDomain(dst []float32) int
	Size() int
}

// Ring is a mono analyser tap fed with PCM as it is handed to the output.
type Ring struct {
	mu     sync.Mutex
	buf    []float32
	pos    int
	filled int
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Ring{buf: make([]float32, size)}
}

func (r *Ring) Size() int { return len(r.buf) }

// WritePCM16 downmixes interleaved 16-bit PCM by averaging channels.
func (r *Ring) WritePCM16(pcm []byte, channels int) {
	if channels <= 0 {
		channels = 1
	}
	frame := 2 * channels
	r.mu.Lock()
	defer r.mu.Unlock()
	for off := 0; off+frame <= len(pcm); off += frame {
		var sum float32
		for c := 0; c < channels; c++ {
			s := int16(binary.LittleEndian.Uint16(pcm[off+2*c:]))
			sum += float32(s) / 32768
		}
		r.buf[r.pos] = sum / float32(channels)
		r.pos = (r.pos + 1) % len(r.buf)
		if r.filled < len(r.buf) {
			r.filled++
		}
	}
}

func (r *Ring) TimeDomain(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(dst), r.filled)
	start := (r.pos - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(start+i)%len(r.buf)]
	}
	return n
}

// Reset forgets all samples.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.pos, r.filled = 0, 0
}

var _ Analyser = (*Ring)(nil)
