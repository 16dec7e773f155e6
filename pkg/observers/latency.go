package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/companion/pkg/metrics"
)

// LatencyObserver logs time-to-first-audio for each utterance once it finishes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started    time.Time
	synthSent  time.Time
	firstChunk time.Time
	playing    time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ""
	if ev.Tags != nil {
		id = ev.Tags[metrics.TagUtteranceID]
	}
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[id]
	if t == nil {
		t = &trace{}
		o.traces[id] = t
	}
	switch ev.Name {
	case metrics.EventUtteranceStarted:
		setOnce(&t.started, ev.Time)
	case metrics.EventSynthRequest:
		setOnce(&t.synthSent, ev.Time)
	case metrics.EventSynthFirstChunk:
		setOnce(&t.firstChunk, ev.Time)
	case metrics.EventPlaybackStarted:
		setOnce(&t.playing, ev.Time)
	case metrics.EventUtteranceFinished:
		outcome, _ := ev.Fields["outcome"].(string)
		o.log.Info("latency",
			slog.String("utterance_id", id),
			slog.String("outcome", outcome),
			slog.Int64("synth_first_chunk_ms", durationMs(t.synthSent, t.firstChunk)),
			slog.Int64("time_to_audio_ms", durationMs(t.started, t.playing)),
			slog.Int64("total_ms", durationMs(t.started, ev.Time)),
		)
		delete(o.traces, id)
	}
}

// Pending returns the number of utterances still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func setOnce(dst *time.Time, v time.Time) {
	if dst.IsZero() {
		*dst = v
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
