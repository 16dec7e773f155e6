package avatar

import (
	"context"
	"time"

	"github.com/harunnryd/companion/pkg/metrics"
)

// Sampler yields one loudness value per tick. *loudness.Extractor satisfies it.
type Sampler interface {
	Sample() float64
}

// Driver is the render loop: every tick it sets the mouth blend shape from
// the current loudness.
type Driver struct {
	anim    Animator
	sampler Sampler
	fps     int
	obs     metrics.Observer
}

func NewDriver(anim Animator, sampler Sampler, fps int, obs metrics.Observer) *Driver {
	if fps <= 0 {
		fps = 60
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Driver{anim: anim, sampler: sampler, fps: fps, obs: obs}
}

// Tick runs one frame and returns the weight applied.
func (d *Driver) Tick() float64 {
	w := d.sampler.Sample()
	d.anim.SetMouth(MouthOpen, w)
	if w > 0 {
		d.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventMouthLevel, Time: time.Now(), Value: w})
	}
	return w
}

// Run ticks until ctx is done, then closes the mouth.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(d.fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.anim.SetMouth(MouthOpen, 0)
			return nil
		case <-ticker.C:
			d.Tick()
		}
	}
}
