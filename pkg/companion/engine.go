// Package companion assembles the companion client: socket, router, player,
// avatar loop, camera, speech input and the optional TTS proxy.
package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/companion/pkg/avatar"
	"github.com/harunnryd/companion/pkg/camera"
	"github.com/harunnryd/companion/pkg/configutil"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/loudness"
	"github.com/harunnryd/companion/pkg/media"
	"github.com/harunnryd/companion/pkg/media/miniaudio"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/observers"
	"github.com/harunnryd/companion/pkg/player"
	"github.com/harunnryd/companion/pkg/redact"
	"github.com/harunnryd/companion/pkg/resilience"
	"github.com/harunnryd/companion/pkg/router"
	"github.com/harunnryd/companion/pkg/runner"
	"github.com/harunnryd/companion/pkg/speech"
	"github.com/harunnryd/companion/pkg/synth"
	"github.com/harunnryd/companion/pkg/transports"
	"github.com/harunnryd/companion/pkg/transports/websocket"
	"github.com/harunnryd/companion/pkg/ttsproxy"
)

// ErrSocketClosed ends the engine when the inbound socket gives up.
var ErrSocketClosed = errors.New("companion socket closed")

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Optional overrides; defaults are built from Config.
	Transport transports.Transport
	Animator  avatar.Animator
	Outputs   media.OutputFactory
	Decoder   media.Decoder
	Capturer  camera.Capturer
	Logger    *slog.Logger
	// Banner receives the startup banner; nil skips it.
	Banner io.Writer
}

type Engine struct {
	cfg  Config
	log  *slog.Logger
	opts EngineOptions

	asyncObs  *metrics.AsyncObserver
	closers   []io.Closer
	audio     *miniaudio.Client
	relay     *synth.Relay
	player    *player.Player
	router    *router.Router
	driver    *avatar.Driver
	transport transports.Transport
	uploader  *camera.Uploader
	recog     speech.Recognizer
	dispatch  *speech.Dispatcher
	proxy     *ttsproxy.Server

	mu        sync.Mutex
	cancelRun context.CancelFunc
	group     *errgroup.Group
	groupErr  error
	done      chan struct{}
	stopFns   []func()
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	log := logging.NewComponentLogger(opts.Logger, "engine")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	log.Info("companion_init",
		slog.String("environment", cfg.Environment),
		slog.String("companion_id", cfg.Companion.ID),
		slog.String("synth_provider", cfg.Synth.Provider),
		slog.String("speech_provider", cfg.Speech.Provider),
		slog.String("playback_output", cfg.Playback.Output))

	e := &Engine{cfg: cfg, log: log, opts: opts, done: make(chan struct{})}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	obs := e.buildObservers()

	backend, err := providers.BuildSynth(cfg.Synth.Provider, cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	e.relay = synth.NewRelay(backend, synth.Options{
		FirstByteTimeout: configutil.Millis(cfg.Synth.FirstByteTimeoutMS, 0),
		IdleTimeout:      configutil.Millis(cfg.Synth.IdleTimeoutMS, 0),
		Breaker: resilience.NewCircuitBreaker(cfg.Synth.RateLimitThreshold,
			configutil.Millis(cfg.Synth.RateLimitCooldownMS, 10*time.Second)),
		Observer: obs,
		Logger:   opts.Logger,
	})

	outputs, err := e.buildOutputs()
	if err != nil {
		return nil, err
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = media.MP3
	}
	e.player = player.New(player.Options{
		Open:     player.MediaSessions(outputs, decoder, opts.Logger),
		Observer: obs,
		Logger:   opts.Logger,
	})

	anim := opts.Animator
	if anim == nil {
		anim = avatar.NewHeadlessRig(configutil.Millis(cfg.Render.GestureClipMS, 3*time.Second), opts.Logger)
	}
	e.router = router.New(router.Config{
		Synth:    e.relay,
		Player:   e.player,
		Animator: anim,
		Observer: obs,
		Logger:   opts.Logger,
	})
	e.driver = avatar.NewDriver(anim, loudness.New(e.player), cfg.Render.FPS,
		metrics.NewSamplingObserver(obs, cfg.Render.MouthSampleRate))

	e.transport = opts.Transport
	if e.transport == nil {
		backoff, maxBackoff := cfg.socketBackoff()
		e.transport = websocket.New(websocket.Config{
			URL:                 cfg.Socket.URL,
			ReconnectBackoff:    backoff,
			ReconnectMaxBackoff: maxBackoff,
			ReconnectMaxRetries: cfg.Socket.ReconnectMaxRetries,
			Logger:              opts.Logger,
		})
	}

	if cfg.Camera.Enabled {
		capturer := opts.Capturer
		if capturer == nil {
			capturer = camera.FileCapturer{Path: cfg.Camera.ImagePath}
		}
		e.uploader, err = camera.NewUploader(camera.Config{
			CompanionURL: cfg.Companion.URL,
			Interval:     configutil.Millis(cfg.Camera.IntervalMS, camera.DefaultInterval),
			Capturer:     capturer,
			Turn:         e.router.Turn(),
			Observer:     obs,
			Logger:       opts.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	e.recog, err = providers.BuildSpeech(cfg.Speech.Provider, cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	if e.recog != nil {
		e.dispatch = speech.NewDispatcher(speech.DispatcherConfig{
			Sender:      e.transport,
			Turn:        e.router.Turn(),
			CompanionID: cfg.Companion.ID,
			MinChars:    cfg.Speech.MinChars,
			Observer:    obs,
			Logger:      opts.Logger,
		})
	}

	if cfg.Proxy.Enabled {
		e.proxy = ttsproxy.NewServer(e.relay, ttsproxy.Config{
			Addr:   cfg.Proxy.Addr,
			Path:   cfg.Proxy.Path,
			Logger: opts.Logger,
		})
	}
	return e, nil
}

func (e *Engine) buildObservers() metrics.Observer {
	cfg := e.cfg
	list := []metrics.Observer{
		observers.NewLatencyObserver(e.opts.Logger),
		observers.NewLoggerObserver(e.opts.Logger),
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
			if err != nil {
				e.log.Warn("artifact_purge_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.log.Info("artifacts_purged", slog.Int("count", n))
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		usage := observers.NewUsageObserver(dir)
		list = append(list, timeline, usage)
		e.closers = append(e.closers, timeline, usage)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	return e.asyncObs
}

func (e *Engine) buildOutputs() (media.OutputFactory, error) {
	if e.opts.Outputs != nil {
		return e.opts.Outputs, nil
	}
	buffer := configutil.Millis(e.cfg.Playback.BufferMS, 200*time.Millisecond)
	switch strings.ToLower(strings.TrimSpace(e.cfg.Playback.Output)) {
	case "clock":
		return media.ClockOutputFactory(buffer), nil
	default:
		client, err := miniaudio.NewClient(e.opts.Logger)
		if err != nil {
			return nil, err
		}
		e.audio = client
		return client.OutputFactory(buffer), nil
	}
}

// Run starts every component and blocks until ctx is done or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	lr := runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.start,
		OnStop:  e.close,
	}, 10*time.Second)
	lr.Banner = e.opts.Banner

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancelRun = cancel
	e.mu.Unlock()

	runErr := lr.Run(ctx)
	e.mu.Lock()
	groupErr := e.groupErr
	e.mu.Unlock()
	return errors.Join(groupErr, runErr)
}

func (e *Engine) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	if err := e.transport.Start(gctx); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		attrs := make([]any, 0, 4)
		for k, v := range rr.ReadyFields() {
			attrs = append(attrs, slog.Any(k, v))
		}
		e.log.Info("transport_ready", attrs...)
	}

	g.Go(func() error {
		err := e.router.Run(gctx, e.transport.Recv())
		if err == nil && gctx.Err() == nil {
			err = ErrSocketClosed
			if te, ok := e.transport.(interface{ Err() error }); ok && te.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrSocketClosed, te.Err())
			}
		}
		return err
	})
	g.Go(func() error { return e.driver.Run(gctx) })

	if e.uploader != nil {
		g.Go(func() error { return e.uploader.Run(gctx) })
	}
	if e.recog != nil {
		if err := e.recog.Start(gctx); err != nil {
			cancel()
			_ = e.transport.Stop()
			return fmt.Errorf("start speech: %w", err)
		}
		e.stopFns = append(e.stopFns, func() { _ = e.recog.Close() })
		if err := e.startCapture(); err != nil {
			e.log.Warn("microphone_unavailable", slog.String("error", err.Error()))
		}
		g.Go(func() error { return e.dispatch.Run(gctx, e.recog.Results()) })
	}
	if e.proxy != nil {
		g.Go(func() error { return e.proxy.Run(gctx) })
	}

	e.mu.Lock()
	e.group = g
	e.mu.Unlock()

	go func() {
		defer close(e.done)
		err := g.Wait()
		cancel()
		e.mu.Lock()
		e.groupErr = err
		e.mu.Unlock()
		if err != nil {
			e.log.Error("component_failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		// A failing component ends the whole run.
		<-gctx.Done()
		cancel()
		e.mu.Lock()
		stop := e.cancelRun
		e.mu.Unlock()
		if stop != nil {
			stop()
		}
	}()
	e.log.Info("companion_started")
	return nil
}

// startCapture feeds the microphone to recognizers that take raw audio.
func (e *Engine) startCapture() error {
	sink, ok := e.recog.(speech.AudioSink)
	if !ok || e.audio == nil {
		return nil
	}
	capture := e.audio.NewCapture(media.Format{SampleRate: e.cfg.Speech.SampleRate, Channels: 1})
	if err := capture.Start(func(pcm []byte) { _ = sink.SendAudio(pcm) }); err != nil {
		return err
	}
	e.stopFns = append([]func(){func() { _ = capture.Stop() }}, e.stopFns...)
	return nil
}

// drain waits for every component to return after cancellation.
func (e *Engine) drain(ctx context.Context) error {
	e.mu.Lock()
	started := e.group != nil
	e.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) close() {
	for _, fn := range e.stopFns {
		fn()
	}
	_ = e.transport.Stop()
	e.player.Stop()
	e.asyncObs.Close()
	for _, c := range e.closers {
		_ = c.Close()
	}
	if e.audio != nil {
		e.audio.Close()
	}
	e.log.Info("companion_stopped")
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Router() *router.Router { return e.router }

func (e *Engine) Relay() *synth.Relay { return e.relay }

func (e *Engine) Player() *player.Player { return e.player }

func (e *Engine) Transport() transports.Transport { return e.transport }
