// Package aivis streams MP3 speech from the Aivis Cloud synthesis API.
package aivis

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/synth"
)

const (
	DefaultBaseURL      = "https://api.aivis-project.com/v1/tts/synthesize"
	DefaultOutputFormat = "mp3"

	// maxErrorBody caps how much of a failed response is surfaced.
	maxErrorBody = 64 * 1024
)

type Config struct {
	Token        string
	ModelUUID    string
	BaseURL      string
	OutputFormat string
	UseSSML      bool
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

type Backend struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

type synthesizeRequest struct {
	ModelUUID    string `json:"model_uuid"`
	Text         string `json:"text"`
	UseSSML      bool   `json:"use_ssml"`
	OutputFormat string `json:"output_format"`
}

func New(cfg Config) *Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Backend{
		cfg:    cfg,
		client: client,
		log:    logging.NewComponentLogger(cfg.Logger, "aivis"),
	}
}

func (b *Backend) Name() string { return "aivis" }

// Open posts the text and returns the response body once headers arrive.
// Without a token it fails as unauthorized and sends nothing.
func (b *Backend) Open(ctx context.Context, req synth.Request) (io.ReadCloser, error) {
	if strings.TrimSpace(b.cfg.Token) == "" {
		return nil, errorsx.NewUpstreamError(http.StatusUnauthorized, "missing synthesis credential")
	}
	payload, err := json.Marshal(synthesizeRequest{
		ModelUUID:    b.cfg.ModelUUID,
		Text:         req.Text,
		UseSSML:      b.cfg.UseSSML,
		OutputFormat: b.cfg.OutputFormat,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", synth.ContentType)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		b.log.Warn("aivis_request_failed",
			slog.Int("status", resp.StatusCode),
			slog.String("utterance_id", req.UtteranceID))
		return nil, errorsx.NewUpstreamError(resp.StatusCode, string(body))
	}
	b.log.Debug("aivis_stream_open",
		slog.String("utterance_id", req.UtteranceID),
		slog.String("content_type", resp.Header.Get("Content-Type")))
	return resp.Body, nil
}

var _ synth.Backend = (*Backend)(nil)
