package speech

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/events"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/redact"
	"github.com/harunnryd/companion/pkg/turn"
)

// DefaultMinChars is the transcript length (in characters) that must be
// exceeded before a transcript is sent.
const DefaultMinChars = 5

// Sender delivers an encoded message upstream.
type Sender interface {
	Send([]byte) error
}

type DispatcherConfig struct {
	Sender      Sender
	Turn        turn.Reader
	CompanionID string
	MinChars    int
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Dispatcher forwards final transcripts while the avatar is idle.
type Dispatcher struct {
	cfg DispatcherConfig
	log *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	return &Dispatcher{cfg: cfg, log: logging.NewComponentLogger(cfg.Logger, "speech")}
}

// Run dispatches results until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, results <-chan Transcript) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-results:
			if !ok {
				return nil
			}
			if _, err := d.Dispatch(tr); err != nil {
				d.log.Warn("transcript_send_failed",
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Dispatch sends tr if it is final, long enough, and the avatar is idle.
// It reports whether a message went out.
func (d *Dispatcher) Dispatch(tr Transcript) (bool, error) {
	text := strings.TrimSpace(tr.Text)
	if !tr.Final || text == "" {
		return false, nil
	}
	chars := utf8.RuneCountInString(text)
	if chars <= d.cfg.MinChars {
		d.log.Debug("transcript_too_short", slog.Int("chars", chars))
		return false, nil
	}
	if d.cfg.Turn != nil && d.cfg.Turn.Talking() {
		d.log.Debug("transcript_dropped_talking", slog.Int("chars", chars))
		return false, nil
	}
	payload, err := events.NewUserMessage(text, d.cfg.CompanionID).Encode()
	if err != nil {
		return false, err
	}
	if d.cfg.Sender == nil {
		return false, nil
	}
	if err := d.cfg.Sender.Send(payload); err != nil {
		return false, err
	}
	metrics.Emit(d.cfg.Observer, metrics.EventTranscriptSent, nil, map[string]any{"chars": chars})
	d.log.Info("transcript_sent", slog.String("text", redact.Text(text)))
	return true, nil
}
