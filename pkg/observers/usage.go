package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/companion/pkg/metrics"
)

// UsageSummary is the per-utterance synthesis usage written on Close.
type UsageSummary struct {
	UtteranceID   string `json:"utterance_id"`
	Provider      string `json:"provider,omitempty"`
	TextChars     int    `json:"text_chars"`
	AudioBytes    int64  `json:"audio_bytes"`
	Chunks        int    `json:"chunks"`
	Outcome       string `json:"outcome,omitempty"`
	RecordedAtUTC string `json:"recorded_at_utc"`
}

// UsageObserver aggregates synthesis usage per utterance. Backends bill by
// characters so the text length is kept alongside streamed bytes.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" || ev.Tags == nil {
		return
	}
	id := ev.Tags[metrics.TagUtteranceID]
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{UtteranceID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventSynthRequest:
		stat.TextChars += intField(ev.Fields, "chars")
		if p, ok := ev.Fields["provider"].(string); ok {
			stat.Provider = p
		}
	case metrics.EventSynthDone:
		stat.AudioBytes += int64(intField(ev.Fields, "bytes"))
		stat.Chunks += intField(ev.Fields, "chunks")
	case metrics.EventUtteranceFinished:
		if s, ok := ev.Fields["outcome"].(string); ok {
			stat.Outcome = s
		}
	}
}

// Summaries returns a copy of the aggregated stats.
func (o *UsageObserver) Summaries() map[string]UsageSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]UsageSummary, len(o.stats))
	for id, s := range o.stats {
		out[id] = *s
	}
	return out
}

func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stats) == 0 {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ metrics.Observer = (*UsageObserver)(nil)
