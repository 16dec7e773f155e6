// Package websocket is the persistent socket between the companion and its
// server. It reconnects with backoff and hands inbound JSON payloads to the
// router unmodified.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/resilience"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("socket not connected")

// ErrSendQueueFull is returned by Send when the writer cannot keep up.
var ErrSendQueueFull = errors.New("socket send queue full")

type Config struct {
	URL                 string        `mapstructure:"url"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
	// ReconnectMaxRetries bounds consecutive failed dials. Negative retries forever.
	ReconnectMaxRetries int `mapstructure:"reconnect_max_retries"`

	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	return c
}

type Transport struct {
	cfg    Config
	retry  resilience.RetryPolicy
	log    *slog.Logger
	recvCh chan []byte
	sendCh chan []byte

	connected atomic.Bool
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	retry := resilience.NewRetryPolicy(cfg.ReconnectMaxRetries, cfg.ReconnectBackoff)
	retry.MaxBackoff = cfg.ReconnectMaxBackoff
	return &Transport{
		cfg:    cfg,
		retry:  retry,
		log:    logging.NewComponentLogger(cfg.Logger, "socket"),
		recvCh: make(chan []byte, 64),
		sendCh: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "websocket" }

func (t *Transport) Recv() <-chan []byte { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"socket_url": t.cfg.URL}
}

// Connected reports whether a socket is currently open.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Err returns the error that ended the transport, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport has stopped and Recv is closed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Start dials in the background. Recv is closed when ctx ends, Stop is
// called, or reconnect attempts are exhausted.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.URL == "" {
		return errorsx.Wrap(errors.New("socket url is required"), errorsx.ReasonInvalidInput)
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("socket transport already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
	return nil
}

func (t *Transport) Stop() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	<-t.done
	return nil
}

// Send queues msg for the writer. Messages are not buffered across
// reconnects.
func (t *Transport) Send(msg []byte) error {
	if !t.connected.Load() {
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonSocketSend)
	}
	select {
	case t.sendCh <- msg:
		return nil
	default:
		return errorsx.Wrap(ErrSendQueueFull, errorsx.ReasonSocketSend)
	}
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.recvCh)
	for {
		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.setErr(err)
				t.log.Error("socket_connect_failed",
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
			return
		}
		t.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		t.log.Warn("socket_disconnected", slog.String("url", t.cfg.URL))
	}
}

func (t *Transport) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		c, resp, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
				_ = resp.Body.Close()
			}
			t.log.Warn("socket_dial_failed",
				slog.Int("attempt", attempt),
				slog.Int("status", status),
				slog.String("error", err.Error()))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSocketConnect)
	}
	t.log.Info("socket_connected", slog.String("url", t.cfg.URL), slog.Int("attempts", attempt))
	return conn, nil
}

// serve pumps one connection until it fails or ctx ends.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.drainSendQueue()
	t.connected.Store(true)
	defer t.connected.Store(false)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(connCtx, conn)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.Warn("socket_read_failed", slog.String("error", err.Error()))
			}
			break
		}
		select {
		case t.recvCh <- msg:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	cancel()
	<-writerDone
	_ = conn.Close()
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case msg := <-t.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.log.Warn("socket_write_failed", slog.String("error", err.Error()))
				_ = conn.Close()
				return
			}
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			// Unblocks the reader when the peer never answers the close.
			_ = conn.Close()
			return
		}
	}
}

func (t *Transport) drainSendQueue() {
	for {
		select {
		case <-t.sendCh:
		default:
			return
		}
	}
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}
