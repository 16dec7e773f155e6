// Package loudness turns the playing signal into a mouth-open weight.
package loudness

import (
	"math"
	"sync"

	"github.com/harunnryd/companion/pkg/media"
)

const (
	// Window is the number of time-domain samples inspected per tick.
	Window = 2048
	// NoiseFloor zeroes weights below it so silence keeps the mouth shut.
	NoiseFloor = 0.1

	gain   = 45
	offset = 5
)

// ceiling is the largest float64 below 1.
var ceiling = math.Nextafter(1, 0)

// Source yields the analyser of the active playback, or nil when idle.
type Source interface {
	Active() media.Analyser
}

// Extractor samples loudness once per render tick. It keeps no history
// between ticks apart from a reusable scratch buffer.
type Extractor struct {
	src Source

	mu      sync.Mutex
	scratch []float32
}

func New(src Source) *Extractor {
	return &Extractor{src: src, scratch: make([]float32, Window)}
}

// Sample returns a value in [0, 1). It is 0 when nothing is playing.
func (e *Extractor) Sample() float64 {
	a := e.src.Active()
	if a == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := a.TimeDomain(e.scratch)
	return FromSamples(e.scratch[:n])
}

// FromSamples maps the peak absolute amplitude of samples through a logistic
// curve with a noise floor.
func FromSamples(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	return Curve(peak)
}

// Curve applies 1/(1+exp(-45v+5)), zeroes values under the noise floor and
// clamps below 1.
func Curve(v float64) float64 {
	w := 1 / (1 + math.Exp(-gain*v+offset))
	if w < NoiseFloor {
		return 0
	}
	return math.Min(w, ceiling)
}
