package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/metrics"
	"github.com/harunnryd/companion/pkg/turn"
)

const (
	DefaultInterval = 60 * time.Second
	ContextPath     = "/context"
)

type Config struct {
	// CompanionURL is the server base URL; snapshots go to CompanionURL + "/context".
	CompanionURL string
	Interval     time.Duration
	Capturer     Capturer
	Turn         turn.Reader
	HTTPClient   *http.Client
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// ContextUpload is the snapshot payload.
type ContextUpload struct {
	Type    string `json:"type"`
	Context string `json:"context"`
}

type Uploader struct {
	cfg      Config
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

func NewUploader(cfg Config) (*Uploader, error) {
	if strings.TrimSpace(cfg.CompanionURL) == "" {
		return nil, errorsx.Wrap(errors.New("companion url is required"), errorsx.ReasonInvalidInput)
	}
	if cfg.Capturer == nil {
		return nil, errorsx.Wrap(errors.New("capturer is required"), errorsx.ReasonInvalidInput)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Uploader{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.CompanionURL, "/") + ContextPath,
		client:   client,
		log:      logging.NewComponentLogger(cfg.Logger, "camera"),
	}, nil
}

// Run uploads one snapshot per interval until ctx is done. Failures are
// logged and the loop keeps going.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := u.Tick(ctx); err != nil && ctx.Err() == nil {
				u.log.Warn("camera_upload_failed",
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Tick captures and uploads one snapshot. It reports false when the tick was
// skipped because the avatar is talking or no frame is available.
func (u *Uploader) Tick(ctx context.Context) (bool, error) {
	if u.cfg.Turn != nil && u.cfg.Turn.Talking() {
		u.log.Debug("camera_skipped_talking")
		return false, nil
	}
	frame, err := u.cfg.Capturer.Capture(ctx)
	if errors.Is(err, ErrNoFrame) {
		u.log.Debug("camera_no_frame")
		return false, nil
	}
	if err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonCameraCapture)
	}
	if err := u.upload(ctx, frame); err != nil {
		return false, err
	}
	return true, nil
}

func (u *Uploader) upload(ctx context.Context, frame []byte) error {
	body, err := json.Marshal(ContextUpload{
		Type:    "image",
		Context: base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCameraUpload)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCameraUpload)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errorsx.Wrap(errorsx.NewUpstreamError(resp.StatusCode, string(msg)), errorsx.ReasonCameraUpload)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	metrics.Emit(u.cfg.Observer, metrics.EventCameraUpload, nil, map[string]any{
		"bytes":      len(frame),
		"latency_ms": time.Since(start).Milliseconds(),
	})
	u.log.Debug("camera_uploaded", slog.Int("bytes", len(frame)))
	return nil
}
