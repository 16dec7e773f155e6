// Package player feeds a chunked audio stream into a playback session with
// backpressure and keeps at most one utterance audible.
package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/media"
	"github.com/harunnryd/companion/pkg/metrics"
)

// Reason says how an utterance's playback ended.
type Reason string

const (
	Completed  Reason = "completed"
	Superseded Reason = "superseded"
	Aborted    Reason = "aborted"
)

// Result is delivered exactly once per Handle.
type Result struct {
	Reason Reason
	Err    error
}

// ChunkSource is a pull-based stream of compressed audio. Next returns io.EOF
// on a clean end. *synth.Stream satisfies it.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Session is the playback resource set one utterance uses. *media.Session
// satisfies it.
type Session interface {
	media.SourceBuffer
	Analyser() media.Analyser
	Started() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionOpener creates a fresh session for each Play call.
type SessionOpener func() (Session, error)

// MediaSessions opens media sessions on sinks from outputs.
func MediaSessions(outputs media.OutputFactory, decoder media.Decoder, logger *slog.Logger) SessionOpener {
	return func() (Session, error) {
		out, err := outputs()
		if err != nil {
			return nil, err
		}
		s, err := media.OpenSession(media.SessionConfig{Output: out, Decoder: decoder, Logger: logger})
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		return s, nil
	}
}

type Options struct {
	Open     SessionOpener
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Player is the single owner of the active playback session.
type Player struct {
	open SessionOpener
	obs  metrics.Observer
	log  *slog.Logger

	mu     sync.Mutex
	active *Handle
	// playing mirrors active for Active, which must not wait on mu while
	// a supersede is closing the previous session.
	playing atomic.Pointer[Handle]
}

func New(opts Options) *Player {
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Player{
		open: opts.Open,
		obs:  opts.Observer,
		log:  logging.NewComponentLogger(opts.Logger, "player"),
	}
}

// Handle tracks one Play call.
type Handle struct {
	id       string
	cancel   context.CancelFunc
	finished chan Result
	once     sync.Once

	mu         sync.Mutex
	session    Session
	superseded bool
	done       chan struct{}
}

// Finished yields the single Result of this playback.
func (h *Handle) Finished() <-chan Result {
	return h.finished
}

// ID returns the utterance id passed to Play.
func (h *Handle) ID() string { return h.id }

func (h *Handle) finish(r Result) {
	h.once.Do(func() {
		h.finished <- r
		close(h.finished)
	})
}

// supersede stops the feed loop, closes the session and waits until the
// loop has exited so the old sink is silent before the caller continues.
func (h *Handle) supersede() {
	h.mu.Lock()
	h.superseded = true
	h.mu.Unlock()
	h.cancel()
	<-h.done
}

func (h *Handle) isSuperseded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.superseded
}

// Play starts playing src under utteranceID. Any active playback is
// superseded, and its sink stopped, before the new session is opened.
// The player closes src when playback ends.
func (p *Player) Play(ctx context.Context, utteranceID string, src ChunkSource) *Handle {
	p.playing.Store(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.supersede()
		p.active = nil
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:       utteranceID,
		cancel:   cancel,
		finished: make(chan Result, 1),
		done:     make(chan struct{}),
	}
	session, err := p.open()
	if err != nil {
		cancel()
		close(h.done)
		_ = src.Close()
		p.log.Warn("session_open_failed", slog.String("utterance_id", utteranceID), slog.String("error", err.Error()))
		h.finish(Result{Reason: Aborted, Err: errorsx.Wrap(err, errorsx.ReasonMediaSinkFault)})
		return h
	}
	h.session = session
	p.active = h
	p.playing.Store(h)
	go p.feed(ctx, h, session, src)
	return h
}

// Stop supersedes the active playback, if any.
func (p *Player) Stop() {
	p.playing.Store(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.supersede()
		p.active = nil
	}
}

// Active returns the analyser of the playing session, or nil when idle.
func (p *Player) Active() media.Analyser {
	h := p.playing.Load()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.session.Analyser()
}

func (p *Player) feed(ctx context.Context, h *Handle, session Session, src ChunkSource) {
	tags := tagsFor(h.id)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-session.Started():
		case <-session.Done():
			select {
			case <-session.Started():
			default:
				return
			}
		}
		metrics.Emit(p.obs, metrics.EventPlaybackStarted, tags, nil)
	}()

	res := p.pump(ctx, h, session, src)
	_ = src.Close()
	_ = session.Close()
	<-watched
	switch {
	case h.isSuperseded():
		res = Result{Reason: Superseded}
	case res.Reason == Superseded:
		// The caller's context ended without a newer utterance.
		res = Result{Reason: Aborted, Err: ctx.Err()}
	}
	p.playing.CompareAndSwap(h, nil)
	close(h.done)

	p.mu.Lock()
	if p.active == h {
		p.active = nil
	}
	p.mu.Unlock()

	fields := map[string]any{"outcome": string(res.Reason)}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	metrics.Emit(p.obs, metrics.EventPlaybackFinished, tags, fields)
	p.log.Debug("playback_finished",
		slog.String("utterance_id", h.id),
		slog.String("reason", string(res.Reason)))
	h.finish(res)
}

// pump moves chunks from src into session, one append in flight at a time.
func (p *Player) pump(ctx context.Context, h *Handle, session Session, src ChunkSource) Result {
	for {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			return p.drain(ctx, session, nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{Reason: Superseded}
			}
			p.log.Info("stream_ended_early",
				slog.String("utterance_id", h.id),
				slog.String("error", err.Error()))
			return p.drain(ctx, session, err)
		}

		ready, err := session.Append(chunk)
		if err != nil {
			return p.sinkFault(h, err)
		}
		select {
		case err := <-ready:
			if err != nil {
				return p.sinkFault(h, err)
			}
		case <-ctx.Done():
			return Result{Reason: Superseded}
		}
	}
}

// drain ends the stream and lets buffered audio play out. streamErr turns
// the outcome into Aborted.
func (p *Player) drain(ctx context.Context, session Session, streamErr error) Result {
	if err := session.EndOfStream(); err != nil {
		return Result{Reason: Aborted, Err: err}
	}
	select {
	case <-session.Done():
	case <-ctx.Done():
		return Result{Reason: Superseded}
	}
	if err := session.Err(); err != nil {
		return Result{Reason: Aborted, Err: err}
	}
	if streamErr != nil {
		return Result{Reason: Aborted, Err: streamErr}
	}
	return Result{Reason: Completed}
}

func (p *Player) sinkFault(h *Handle, err error) Result {
	if !errors.Is(err, errorsx.ErrMediaSinkFault) {
		err = errors.Join(errorsx.ErrMediaSinkFault, err)
	}
	p.log.Warn("append_failed",
		slog.String("utterance_id", h.id),
		slog.String("error", err.Error()))
	return Result{Reason: Aborted, Err: err}
}

func tagsFor(id string) map[string]string {
	if id == "" {
		return nil
	}
	return metrics.UtteranceTags(id)
}
