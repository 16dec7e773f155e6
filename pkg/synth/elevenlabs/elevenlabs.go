// Package elevenlabs streams MP3 speech over the ElevenLabs stream-input websocket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/resilience"
	"github.com/harunnryd/companion/pkg/synth"
)

const (
	DefaultBaseURL      = "wss://api.elevenlabs.io/v1/text-to-speech"
	DefaultOutputFormat = "mp3_44100_128"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	Logger       *slog.Logger
}

type Backend struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Backend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = DefaultOutputFormat
	}
	return &Backend{cfg: cfg, log: logging.NewComponentLogger(cfg.Logger, "elevenlabs")}
}

func (b *Backend) Name() string { return "elevenlabs" }

type inbound struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     bool   `json:"isFinal"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// Open sends the whole text followed by end-of-input and returns the decoded
// audio as a byte stream.
func (b *Backend) Open(ctx context.Context, req synth.Request) (io.ReadCloser, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" || strings.TrimSpace(b.cfg.VoiceID) == "" {
		return nil, errorsx.NewUpstreamError(http.StatusUnauthorized, "missing synthesis credential")
	}
	u, err := b.buildURL()
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{b.cfg.APIKey}})
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if len(body) == 0 {
				body = []byte(resp.Status)
			}
			return nil, errorsx.NewUpstreamError(resp.StatusCode, string(body))
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
	}

	text := strings.TrimSpace(req.Text) + " "
	for _, msg := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		{"text": text, "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
		}
	}

	pr, pw := io.Pipe()
	body := &streamBody{PipeReader: pr, conn: conn}
	body.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	go b.readLoop(conn, pw, req.UtteranceID)
	b.log.Debug("elevenlabs_stream_open", slog.String("utterance_id", req.UtteranceID))
	return body, nil
}

func (b *Backend) readLoop(conn *websocket.Conn, pw *io.PipeWriter, utteranceID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				_ = pw.Close()
				return
			}
			_ = pw.CloseWithError(err)
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Debug("elevenlabs_unparsed_message", slog.Int("size_bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			_ = pw.CloseWithError(errors.New("elevenlabs: " + msg.Error + " " + msg.Message))
			return
		}
		audio := msg.Audio
		if audio == "" {
			audio = msg.AudioBase64
		}
		if audio != "" {
			raw, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(raw); err != nil {
				// Reader closed.
				return
			}
		}
		if msg.IsFinal {
			b.log.Debug("elevenlabs_stream_final", slog.String("utterance_id", utteranceID))
			_ = pw.Close()
			return
		}
	}
}

func (b *Backend) buildURL() (string, error) {
	base, err := url.Parse(strings.TrimRight(b.cfg.BaseURL, "/") + "/" + url.PathEscape(b.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := base.Query()
	if b.cfg.ModelID != "" {
		q.Set("model_id", b.cfg.ModelID)
	}
	q.Set("output_format", b.cfg.OutputFormat)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

type streamBody struct {
	*io.PipeReader
	conn *websocket.Conn
	stop func() bool
	once sync.Once
}

func (s *streamBody) Close() error {
	s.once.Do(func() {
		s.stop()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
		_ = s.PipeReader.Close()
	})
	return nil
}

var _ synth.Backend = (*Backend)(nil)
