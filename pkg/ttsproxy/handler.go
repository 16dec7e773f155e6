// Package ttsproxy exposes the synthesis relay over HTTP so the credential
// stays server-side while clients receive audio as it is produced.
package ttsproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/synth"
)

const maxRequestBody = 1 << 20

// Synthesizer is the relay surface the handler needs.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*synth.Stream, error)
}

type ttsRequest struct {
	Text string `json:"text"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler serves POST {text} and streams audio/mpeg back.
type Handler struct {
	relay Synthesizer
	log   *slog.Logger
}

func NewHandler(relay Synthesizer, logger *slog.Logger) *Handler {
	return &Handler{relay: relay, log: logging.NewComponentLogger(logger, "tts_proxy")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	var req ttsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Text is required")
		return
	}

	start := time.Now()
	stream, err := h.relay.Synthesize(r.Context(), req.Text)
	if err != nil {
		h.writeSynthError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", synth.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var sent int
	for chunk, err := range stream.Chunks(r.Context()) {
		if err != nil {
			h.log.Warn("tts_proxy_stream_aborted",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.Int("bytes", sent),
				slog.String("error", err.Error()))
			// Headers are gone; dropping the connection tells the client the body is incomplete.
			panic(http.ErrAbortHandler)
		}
		if _, werr := w.Write(chunk); werr != nil {
			h.log.Debug("tts_proxy_client_gone", slog.String("error", werr.Error()))
			return
		}
		_ = rc.Flush()
		sent += len(chunk)
	}
	h.log.Info("tts_proxy_done",
		slog.Int("bytes", sent),
		slog.Duration("elapsed", time.Since(start)))
}

func (h *Handler) writeSynthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errorsx.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Text is required")
	default:
		if ue, ok := errorsx.AsUpstream(err); ok {
			h.log.Warn("tts_proxy_upstream_error", slog.Int("status", ue.Status))
			writeError(w, ue.Status, ue.Body)
			return
		}
		h.log.Error("tts_proxy_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(errorBody{Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// HealthHandler answers liveness probes.
type HealthHandler struct{}

func (HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
