package ttsproxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/companion/pkg/logging"
)

const DefaultPath = "/api/tts"

type Config struct {
	Addr   string `mapstructure:"addr"`
	Path   string `mapstructure:"path"`
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	return c
}

type Server struct {
	cfg    Config
	server *http.Server
	log    *slog.Logger
}

// Routes builds the proxy mux: the synthesis endpoint and /health.
func Routes(relay Synthesizer, path string, logger *slog.Logger) http.Handler {
	if path == "" {
		path = DefaultPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, NewHandler(relay, logger))
	mux.Handle("/health", HealthHandler{})
	return otelhttp.NewHandler(mux, "tts_proxy")
}

func NewServer(relay Synthesizer, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           Routes(relay, cfg.Path, cfg.Logger),
		},
		log: logging.NewComponentLogger(cfg.Logger, "tts_proxy"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("tts_proxy_listening", slog.String("addr", ln.Addr().String()), slog.String("path", s.cfg.Path))
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
		}
		<-errCh
		return nil
	}
}
