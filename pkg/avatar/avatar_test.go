package avatar

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/companion/pkg/events"
	"github.com/harunnryd/companion/pkg/metrics"
)

func TestSetEmotionIsExclusive(t *testing.T) {
	rig := NewHeadlessRig(time.Second, nil)
	SetEmotion(rig, events.EmotionHappy)
	SetEmotion(rig, events.EmotionSad)
	st := rig.State()
	for _, e := range events.Emotions() {
		want := 0.0
		if e == events.EmotionSad {
			want = 1
		}
		if st.Expressions[string(e)] != want {
			t.Fatalf("expression %s: expected %v, got %v", e, want, st.Expressions[string(e)])
		}
	}
}

func TestGesturePlaysOnceThenIdles(t *testing.T) {
	rig := NewHeadlessRig(20*time.Millisecond, nil)
	rig.PlayGesture("/anim/wave.vrma")
	if got := rig.State().Clip; got != "/anim/wave.vrma" {
		t.Fatalf("expected gesture clip, got %s", got)
	}
	deadline := time.Now().Add(time.Second)
	for rig.State().Clip != DefaultIdleClip {
		if time.Now().After(deadline) {
			t.Fatalf("rig never returned to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rig.State().Gestures != 1 {
		t.Fatalf("expected one gesture")
	}
}

type stepSampler struct{ values []float64 }

func (s *stepSampler) Sample() float64 {
	if len(s.values) == 0 {
		return 0
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v
}

func TestDriverTickSetsMouth(t *testing.T) {
	rig := NewHeadlessRig(time.Second, nil)
	obs := metrics.NewMemoryObserver()
	d := NewDriver(rig, &stepSampler{values: []float64{0.7, 0}}, 60, obs)

	if w := d.Tick(); w != 0.7 {
		t.Fatalf("unexpected weight %v", w)
	}
	if rig.State().Mouth[MouthOpen] != 0.7 {
		t.Fatalf("mouth not driven")
	}
	d.Tick()
	if rig.State().Mouth[MouthOpen] != 0 {
		t.Fatalf("mouth should close on silence")
	}
	if obs.Count(metrics.EventMouthLevel) != 1 {
		t.Fatalf("expected only non-zero ticks recorded, got %d", obs.Count(metrics.EventMouthLevel))
	}
}

func TestDriverRunClosesMouthOnStop(t *testing.T) {
	rig := NewHeadlessRig(time.Second, nil)
	d := NewDriver(rig, &constSampler{0.5}, 200, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rig.State().Mouth[MouthOpen] != 0 {
		t.Fatalf("expected mouth closed after stop")
	}
}

type constSampler struct{ v float64 }

func (c *constSampler) Sample() float64 { return c.v }
