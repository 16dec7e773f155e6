package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/resilience"
)

const defaultReadSize = 32 * 1024

// Options tunes a Relay. Zero timeouts disable the corresponding watchdog.
type Options struct {
	// FirstByteTimeout bounds the time from request to the first audio chunk.
	FirstByteTimeout time.Duration
	// IdleTimeout bounds the silence between two chunks.
	IdleTimeout time.Duration
	// ReadSize is the largest chunk handed to the consumer.
	ReadSize int
	Breaker  *resilience.CircuitBreaker
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Relay turns text into an audio Stream through a Backend. It keeps no state
// between calls apart from the rate limit breaker.
type Relay struct {
	backend Backend
	opts    Options
	log     *slog.Logger
}

func NewRelay(backend Backend, opts Options) *Relay {
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Relay{
		backend: backend,
		opts:    opts,
		log:     logging.NewComponentLogger(opts.Logger, "synth"),
	}
}

// Backend returns the backend name.
func (r *Relay) Backend() string {
	return r.backend.Name()
}

// Synthesize starts synthesis of text. Empty text fails with
// errorsx.ErrInvalidInput before the backend is contacted.
func (r *Relay) Synthesize(ctx context.Context, text string) (*Stream, error) {
	return r.SynthesizeRequest(ctx, Request{Text: text})
}

// SynthesizeRequest is Synthesize with an utterance id for metrics.
func (r *Relay) SynthesizeRequest(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", errorsx.ErrInvalidInput)
	}
	if r.opts.Breaker != nil && !r.opts.Breaker.Allow() {
		r.log.Warn("synth_circuit_open",
			slog.String("backend", r.backend.Name()),
			slog.Duration("retry_after", r.opts.Breaker.RetryAfter()))
		return nil, errorsx.NewUpstreamError(http.StatusTooManyRequests, "rate limited")
	}

	tags := tagsFor(req.UtteranceID)
	metrics.Emit(r.opts.Observer, metrics.EventSynthRequest, tags, map[string]any{
		"provider": r.backend.Name(),
		"chars":    utf8.RuneCountInString(req.Text),
	})

	streamCtx, cancel := context.WithCancelCause(ctx)
	wd := &watchdog{cancel: cancel}
	wd.arm(r.opts.FirstByteTimeout)

	// The first-byte watchdog stays armed until the pump reads a chunk.
	body, err := r.backend.Open(streamCtx, req)
	if err != nil {
		wd.disarm()
		err = r.openErr(streamCtx, err)
		cancel(err)
		metrics.Emit(r.opts.Observer, metrics.EventSynthError, tags, map[string]any{
			"reason": string(errorsx.Reason(err)),
		})
		r.log.Warn("synth_open_failed",
			slog.String("backend", r.backend.Name()),
			slog.String("utterance_id", req.UtteranceID),
			slog.String("error", err.Error()))
		return nil, err
	}
	if r.opts.Breaker != nil {
		r.opts.Breaker.OnSuccess()
	}
	wd.attach(body)

	s := newStream(cancel, body)
	go r.pump(streamCtx, s, body, wd, tags)
	return s, nil
}

func (r *Relay) openErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errorsx.ErrSynthesisTimeout) {
		return errorsx.ErrSynthesisTimeout
	}
	var rl resilience.RateLimitError
	if errors.As(err, &rl) {
		r.noteRateLimit(rl)
		return errorsx.NewUpstreamError(http.StatusTooManyRequests, rl.Error())
	}
	if up, ok := errorsx.AsUpstream(err); ok && up.Status == http.StatusTooManyRequests {
		r.noteRateLimit(resilience.RateLimitError{Provider: r.backend.Name(), Message: up.Body})
	}
	return err
}

func (r *Relay) noteRateLimit(rl resilience.RateLimitError) {
	if r.opts.Breaker != nil {
		r.opts.Breaker.OnError(rl)
	}
}

// pump is the single reader of body; chunks reach the consumer in read order.
func (r *Relay) pump(ctx context.Context, s *Stream, body io.ReadCloser, wd *watchdog, tags map[string]string) {
	defer func() {
		wd.disarm()
		_ = body.Close()
		close(s.ch)
	}()

	var (
		total  int64
		chunks int
		term   error
	)
	for {
		buf := make([]byte, r.opts.ReadSize)
		n, err := body.Read(buf)
		wd.disarm()
		if n > 0 {
			if chunks == 0 {
				metrics.Emit(r.opts.Observer, metrics.EventSynthFirstChunk, tags, nil)
			}
			chunks++
			total += int64(n)
			if !s.emit(chunk{data: buf[:n]}) {
				term = context.Canceled
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			term = streamErr(ctx, err)
			break
		}
		wd.arm(r.opts.IdleTimeout)
	}

	outcome := "completed"
	if term != nil {
		outcome = string(errorsx.Reason(term))
		if errors.Is(term, context.Canceled) {
			outcome = "canceled"
		} else {
			r.log.Warn("synth_stream_ended",
				slog.String("backend", r.backend.Name()),
				slog.Int("chunks", chunks),
				slog.String("error", term.Error()))
			s.emit(chunk{err: term})
		}
	}
	metrics.Emit(r.opts.Observer, metrics.EventSynthDone, tags, map[string]any{
		"bytes":   total,
		"chunks":  chunks,
		"outcome": outcome,
	})
}

func streamErr(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errorsx.ErrSynthesisTimeout) {
		return errorsx.ErrSynthesisTimeout
	}
	if ctx.Err() != nil && cause != nil {
		return cause
	}
	return fmt.Errorf("%w: %v", errorsx.ErrStreamAborted, err)
}

func tagsFor(utteranceID string) map[string]string {
	if utteranceID == "" {
		return nil
	}
	return metrics.UtteranceTags(utteranceID)
}

// watchdog cancels a synthesis call when the backend stays silent too long.
type watchdog struct {
	cancel context.CancelCauseFunc
	mu     sync.Mutex
	body   io.Closer
	timer  *time.Timer
}

func (w *watchdog) arm(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(d, w.fire)
		return
	}
	w.timer.Reset(d)
}

func (w *watchdog) disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watchdog) attach(body io.Closer) {
	w.mu.Lock()
	w.body = body
	w.mu.Unlock()
}

func (w *watchdog) fire() {
	w.cancel(errorsx.ErrSynthesisTimeout)
	w.mu.Lock()
	body := w.body
	w.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}
