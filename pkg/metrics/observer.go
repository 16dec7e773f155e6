package metrics

import "time"

// Event names emitted across the companion.
const (
	EventUtteranceStarted  = "utterance_started"
	EventUtteranceFinished = "utterance_finished"
	EventSynthRequest      = "synth_request"
	EventSynthFirstChunk   = "synth_first_chunk"
	EventSynthDone         = "synth_done"
	EventSynthError        = "synth_error"
	EventPlaybackStarted   = "playback_started"
	EventPlaybackFinished  = "playback_finished"
	EventGesture           = "gesture"
	EventTranscriptSent    = "transcript_sent"
	EventCameraUpload      = "camera_upload"
	EventMouthLevel        = "mouth_level"
)

// TagUtteranceID keys every event that belongs to one spoken reply.
const TagUtteranceID = "utterance_id"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Emit records a named event stamped with the current time. A nil observer is ignored.
func Emit(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Tags: tags, Fields: fields})
}

// UtteranceTags returns the tag set for an utterance-scoped event.
func UtteranceTags(id string) map[string]string {
	return map[string]string{TagUtteranceID: id}
}
