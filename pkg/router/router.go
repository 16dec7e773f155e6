// Package router dispatches inbound companion events to the avatar and the
// speech pipeline and owns the Talking state.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/companion/pkg/avatar"
	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/events"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/player"
	"github.com/harunnryd/companion/pkg/redact"
	"github.com/harunnryd/companion/pkg/synth"
	"github.com/harunnryd/companion/pkg/turn"
)

// Synthesizer starts speech synthesis. *synth.Relay satisfies it.
type Synthesizer interface {
	SynthesizeRequest(ctx context.Context, req synth.Request) (*synth.Stream, error)
}

// Playback plays one utterance at a time. *player.Player satisfies it.
type Playback interface {
	Play(ctx context.Context, utteranceID string, src player.ChunkSource) *player.Handle
	Stop()
}

type Config struct {
	Synth    Synthesizer
	Player   Playback
	Animator avatar.Animator
	Observer metrics.Observer
	Logger   *slog.Logger
	// NewID generates utterance ids; defaults to random UUIDs.
	NewID func() string
}

// utterance is one spoken reply. It is only touched by the loop goroutine.
type utterance struct {
	id      string
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	handle  *player.Handle
	started time.Time
}

type synthResult struct {
	gen    uint64
	id     string
	stream *synth.Stream
	err    error
}

type playResult struct {
	gen    uint64
	id     string
	result player.Result
}

// Router is a single-goroutine event loop. All utterance and turn state is
// owned by Run; background synthesis and playback report back over channels.
type Router struct {
	cfg     Config
	log     *slog.Logger
	machine *turn.Machine

	synthDone chan synthResult
	playDone  chan playResult
	stopped   chan struct{}

	gen     uint64
	current *utterance
}

func New(cfg Config) *Router {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	r := &Router{
		cfg:       cfg,
		log:       logging.NewComponentLogger(cfg.Logger, "router"),
		machine:   turn.NewMachine(),
		synthDone: make(chan synthResult),
		playDone:  make(chan playResult),
		stopped:   make(chan struct{}),
	}
	r.machine.AddListener(turn.ListenerFunc(func(ev turn.StateChange) {
		r.log.Debug("turn_state_changed",
			slog.String("from", ev.FromState.String()),
			slog.String("to", ev.ToState.String()),
			slog.String("reason", ev.Reason))
	}))
	return r
}

// Turn exposes the Talking state read-only.
func (r *Router) Turn() turn.Reader {
	return r.machine
}

// AddTurnListener observes Talking state changes.
func (r *Router) AddTurnListener(l turn.StateListener) {
	r.machine.AddListener(l)
}

// Run processes inbound payloads until ctx is done or inbound is closed.
func (r *Router) Run(ctx context.Context, inbound <-chan []byte) error {
	defer close(r.stopped)
	for {
		select {
		case raw, ok := <-inbound:
			if !ok {
				r.shutdown()
				return nil
			}
			r.handle(ctx, raw)
		case m := <-r.synthDone:
			r.onSynthesized(m)
		case m := <-r.playDone:
			r.onPlaybackFinished(m)
		case <-ctx.Done():
			r.shutdown()
			return nil
		}
	}
}

func (r *Router) handle(ctx context.Context, raw []byte) {
	ev, err := events.Parse(raw)
	if err != nil {
		r.log.Warn("inbound_dropped",
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("payload", redact.Clip(redact.Text(string(raw)), 120)),
			slog.String("error", err.Error()))
		return
	}
	switch ev := ev.(type) {
	case events.Gesture:
		r.cfg.Animator.PlayGesture(ev.URL)
		metrics.Emit(r.cfg.Observer, metrics.EventGesture, nil, map[string]any{"url": ev.URL})
	case events.SpeechReply:
		r.speak(ctx, ev)
	}
}

func (r *Router) speak(parent context.Context, reply events.SpeechReply) {
	avatar.SetEmotion(r.cfg.Animator, reply.Emotion)

	reason := "speech_reply"
	if r.current != nil {
		prev := r.current
		r.current = nil
		// Stop first so the old handle reports Superseded, then cancel
		// any synthesis still in flight.
		r.cfg.Player.Stop()
		prev.cancel()
		reason = "speech_reply_preempt"
		r.log.Debug("utterance_superseded", slog.String("utterance_id", prev.id))
	}

	r.gen++
	ctx, cancel := context.WithCancel(parent)
	u := &utterance{
		id:      r.cfg.NewID(),
		gen:     r.gen,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	r.current = u
	if err := r.machine.Start(reason); err != nil {
		r.log.Error("turn_transition_failed", slog.String("error", err.Error()))
	}
	metrics.Emit(r.cfg.Observer, metrics.EventUtteranceStarted, metrics.UtteranceTags(u.id), map[string]any{
		"text":    reply.Text,
		"emotion": string(reply.Emotion),
	})
	r.log.Info("utterance_started",
		slog.String("utterance_id", u.id),
		slog.String("emotion", string(reply.Emotion)),
		slog.Int("chars", len([]rune(reply.Text))))

	go func() {
		stream, err := r.cfg.Synth.SynthesizeRequest(ctx, synth.Request{Text: reply.Text, UtteranceID: u.id})
		select {
		case r.synthDone <- synthResult{gen: u.gen, id: u.id, stream: stream, err: err}:
		case <-r.stopped:
			if stream != nil {
				_ = stream.Close()
			}
		}
	}()
}

func (r *Router) onSynthesized(m synthResult) {
	u := r.current
	if u == nil || u.gen != m.gen {
		if m.stream != nil {
			_ = m.stream.Close()
		}
		r.finished(m.id, string(player.Superseded), nil)
		return
	}
	if m.err != nil {
		r.log.Warn("synthesis_failed",
			slog.String("utterance_id", u.id),
			slog.String("reason", string(errorsx.Reason(m.err))),
			slog.String("error", m.err.Error()))
		r.end(u, "synthesis_failed", m.err)
		return
	}

	h := r.cfg.Player.Play(u.ctx, u.id, m.stream)
	u.handle = h
	go func() {
		res := <-h.Finished()
		select {
		case r.playDone <- playResult{gen: m.gen, id: m.id, result: res}:
		case <-r.stopped:
		}
	}()
}

func (r *Router) onPlaybackFinished(m playResult) {
	u := r.current
	if u == nil || u.gen != m.gen {
		r.finished(m.id, string(m.result.Reason), m.result.Err)
		return
	}
	r.end(u, string(m.result.Reason), m.result.Err)
}

// end retires the current utterance and returns to Idle.
func (r *Router) end(u *utterance, outcome string, err error) {
	r.current = nil
	u.cancel()
	if terr := r.machine.Finish(outcome); terr != nil {
		r.log.Error("turn_transition_failed", slog.String("error", terr.Error()))
	}
	r.finished(u.id, outcome, err)
	r.log.Info("utterance_finished",
		slog.String("utterance_id", u.id),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(u.started)))
}

func (r *Router) finished(id, outcome string, err error) {
	fields := map[string]any{"outcome": outcome}
	if err != nil {
		fields["error"] = err.Error()
	}
	metrics.Emit(r.cfg.Observer, metrics.EventUtteranceFinished, metrics.UtteranceTags(id), fields)
}

func (r *Router) shutdown() {
	if u := r.current; u != nil {
		r.cfg.Player.Stop()
		u.cancel()
		r.end(u, "shutdown", nil)
	}
}
