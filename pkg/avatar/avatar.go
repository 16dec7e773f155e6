// Package avatar drives expressions, gestures and lip-sync on an animation rig.
package avatar

import "github.com/harunnryd/companion/pkg/events"

// MouthOpen is the blend shape driven by loudness.
const MouthOpen = "aa"

// Animator is the rig the companion drives. Implementations must be safe
// for use from the router loop and the render tick at once.
type Animator interface {
	SetExpression(name string, weight float64)
	SetMouth(shape string, weight float64)
	// PlayGesture plays the clip at url once, then returns to the idle clip.
	PlayGesture(url string)
}

// SetEmotion sets the expression for e to 1 and every other expression to 0.
func SetEmotion(a Animator, e events.Emotion) {
	for _, name := range events.Emotions() {
		w := 0.0
		if name == e {
			w = 1
		}
		a.SetExpression(string(name), w)
	}
}
