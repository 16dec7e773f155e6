package avatar

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/harunnryd/companion/pkg/logging"
)

// DefaultIdleClip is the clip a headless rig returns to after a gesture.
const DefaultIdleClip = "idle"

// RigState is a snapshot of a headless rig.
type RigState struct {
	Expressions map[string]float64
	Mouth       map[string]float64
	Clip        string
	Gestures    int
}

// HeadlessRig records what a renderer would show. Gesture clips last
// ClipDuration and then revert to the idle clip.
type HeadlessRig struct {
	clipDuration time.Duration
	idleClip     string
	log          *slog.Logger

	mu          sync.Mutex
	expressions map[string]float64
	mouth       map[string]float64
	clip        string
	gestures    int
	revert      *time.Timer
}

func NewHeadlessRig(clipDuration time.Duration, logger *slog.Logger) *HeadlessRig {
	if clipDuration <= 0 {
		clipDuration = 2 * time.Second
	}
	return &HeadlessRig{
		clipDuration: clipDuration,
		idleClip:     DefaultIdleClip,
		log:          logging.NewComponentLogger(logger, "avatar"),
		expressions:  make(map[string]float64),
		mouth:        make(map[string]float64),
		clip:         DefaultIdleClip,
	}
}

func (r *HeadlessRig) SetExpression(name string, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expressions[name] = weight
}

func (r *HeadlessRig) SetMouth(shape string, weight float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mouth[shape] = weight
}

// PlayGesture replaces any running gesture clip.
func (r *HeadlessRig) PlayGesture(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.revert != nil {
		r.revert.Stop()
	}
	r.clip = url
	r.gestures++
	r.log.Debug("gesture_started", slog.String("clip", url))
	r.revert = time.AfterFunc(r.clipDuration, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.clip == url {
			r.clip = r.idleClip
			r.log.Debug("gesture_finished", slog.String("clip", url))
		}
	})
}

func (r *HeadlessRig) State() RigState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RigState{
		Expressions: maps.Clone(r.expressions),
		Mouth:       maps.Clone(r.mouth),
		Clip:        r.clip,
		Gestures:    r.gestures,
	}
}

var _ Animator = (*HeadlessRig)(nil)
