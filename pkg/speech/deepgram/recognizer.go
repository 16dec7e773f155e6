// Package deepgram recognizes microphone speech with Deepgram live streaming.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/companion/pkg/errorsx"
	"github.com/harunnryd/companion/pkg/logging"
	"github.com/harunnryd/companion/pkg/redact"
	"github.com/harunnryd/companion/pkg/resilience"
	"github.com/harunnryd/companion/pkg/speech"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var errNotStarted = errors.New("deepgram recognizer not started")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	Interim        bool
	UtteranceEndMS int
	Logger         *slog.Logger
}

type Recognizer struct {
	cfg    Config
	retry  resilience.RetryPolicy
	logger *slog.Logger

	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	mu         sync.Mutex
	out        chan speech.Transcript
	closed     bool
	metaLogged bool
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{
		cfg:    cfg,
		retry:  resilience.NewRetryPolicy(3, 200*time.Millisecond),
		logger: logging.NewComponentLogger(cfg.Logger, "deepgram_stt"),
		out:    make(chan speech.Transcript, 64),
	}
}

func (s *Recognizer) Name() string { return "deepgram_streaming" }

func (s *Recognizer) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("deepgram api key is required"), errorsx.ReasonInvalidInput)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	s.dgClient = dgClient

	err = s.retry.Do(ctx, func(context.Context) error {
		if !dgClient.Connect() {
			return errors.New("deepgram connection failed")
		}
		return nil
	})
	if err != nil {
		s.logger.Error("deepgram_connect_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSpeechConnect)
	}
	s.logger.Info("deepgram_connected", slog.String("model", s.cfg.Model))

	go func() {
		if err := dgClient.Stream(s.pipeReader); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Recognizer) Close() error {
	s.logger.Info("closing deepgram connection")
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
	return nil
}

// SendAudio forwards captured PCM in the configured encoding.
func (s *Recognizer) SendAudio(pcm []byte) error {
	if s.pipeWriter == nil {
		return errNotStarted
	}
	_, err := s.pipeWriter.Write(pcm)
	if err != nil {
		s.logger.Debug("deepgram_audio_dropped", slog.String("error", err.Error()))
	}
	return err
}

func (s *Recognizer) Results() <-chan speech.Transcript { return s.out }

func (s *Recognizer) emit(tr speech.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- tr:
	default:
		s.logger.Warn("deepgram_out_channel_full")
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(transcript)),
		slog.Bool("is_final", isFinal))
	c.parent.emit(speech.Transcript{Text: transcript, Final: isFinal})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var (
	_ speech.Recognizer                 = (*Recognizer)(nil)
	_ speech.AudioSink                  = (*Recognizer)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
