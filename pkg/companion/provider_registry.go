package companion

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/harunnryd/companion/pkg/configutil"
	"github.com/harunnryd/companion/pkg/speech"
	"github.com/harunnryd/companion/pkg/speech/deepgram"
	"github.com/harunnryd/companion/pkg/synth"
	"github.com/harunnryd/companion/pkg/synth/aivis"
	"github.com/harunnryd/companion/pkg/synth/elevenlabs"
	"github.com/harunnryd/companion/pkg/synth/mock"
)

type SynthFactory func(cfg Config, logger *slog.Logger) (synth.Backend, error)

// RecognizerFactory may return a nil Recognizer to disable speech input.
type RecognizerFactory func(cfg Config, logger *slog.Logger) (speech.Recognizer, error)

type ProviderRegistry struct {
	synth  map[string]SynthFactory
	speech map[string]RecognizerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		synth:  make(map[string]SynthFactory),
		speech: make(map[string]RecognizerFactory),
	}
}

// DefaultProviders registers every backend shipped with the companion.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSynth("aivis", newAivis)
	r.RegisterSynth("elevenlabs", newElevenLabs)
	r.RegisterSynth("mock", newMockSynth)
	r.RegisterSpeech("deepgram", newDeepgram)
	r.RegisterSpeech("stdin", func(Config, *slog.Logger) (speech.Recognizer, error) {
		return speech.NewLineRecognizer(os.Stdin), nil
	})
	r.RegisterSpeech("none", func(Config, *slog.Logger) (speech.Recognizer, error) {
		return nil, nil
	})
	return r
}

func (r *ProviderRegistry) RegisterSynth(name string, factory SynthFactory) {
	r.synth[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterSpeech(name string, factory RecognizerFactory) {
	r.speech[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSynth(provider string, cfg Config, logger *slog.Logger) (synth.Backend, error) {
	fn := r.synth[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("synth provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildSpeech(provider string, cfg Config, logger *slog.Logger) (speech.Recognizer, error) {
	name := normalizeProvider(provider)
	if name == "" {
		name = "none"
	}
	fn := r.speech[name]
	if fn == nil {
		return nil, fmt.Errorf("speech provider not registered: %s", provider)
	}
	return fn(cfg, logger)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type aivisSettings struct {
	Token        string `mapstructure:"token"`
	ModelUUID    string `mapstructure:"model_uuid"`
	BaseURL      string `mapstructure:"base_url"`
	OutputFormat string `mapstructure:"output_format"`
	UseSSML      *bool  `mapstructure:"use_ssml"`
}

func newAivis(cfg Config, logger *slog.Logger) (synth.Backend, error) {
	if err := configutil.ValidateSettings(cfg.Synth.Settings, configutil.Schema{
		Required: []string{"model_uuid"},
		Optional: []string{"token", "base_url", "output_format", "use_ssml"},
	}); err != nil {
		return nil, fmt.Errorf("synth.settings: %w", err)
	}
	var s aivisSettings
	if err := configutil.DecodeSettings(cfg.Synth.Settings, &s); err != nil {
		return nil, err
	}
	// An empty token is allowed here; the backend answers 401 per request.
	return aivis.New(aivis.Config{
		Token:        s.Token,
		ModelUUID:    s.ModelUUID,
		BaseURL:      s.BaseURL,
		OutputFormat: s.OutputFormat,
		UseSSML:      configutil.BoolValue(s.UseSSML, true),
		Logger:       logger,
	}), nil
}

type elevenLabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	BaseURL      string `mapstructure:"base_url"`
}

func newElevenLabs(cfg Config, logger *slog.Logger) (synth.Backend, error) {
	if err := configutil.ValidateSettings(cfg.Synth.Settings, configutil.Schema{
		Required: []string{"voice_id"},
		Optional: []string{"api_key", "model_id", "output_format", "base_url"},
	}); err != nil {
		return nil, fmt.Errorf("synth.settings: %w", err)
	}
	var s elevenLabsSettings
	if err := configutil.DecodeSettings(cfg.Synth.Settings, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
		Logger:       logger,
	}), nil
}

type mockSynthSettings struct {
	// File is streamed in ChunkSize pieces; without it a short silent MP3 frame is used.
	File      string `mapstructure:"file"`
	ChunkSize int    `mapstructure:"chunk_size"`
	DelayMS   int    `mapstructure:"delay_ms"`
}

func newMockSynth(cfg Config, _ *slog.Logger) (synth.Backend, error) {
	var s mockSynthSettings
	if err := configutil.DecodeSettings(cfg.Synth.Settings, &s); err != nil {
		return nil, err
	}
	data := bytes.Repeat(silentFrame, 20)
	if s.File != "" {
		b, err := os.ReadFile(s.File)
		if err != nil {
			return nil, fmt.Errorf("synth.settings.file: %w", err)
		}
		data = b
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 4096
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return mock.New(mock.Config{Chunks: chunks, Delay: configutil.Millis(s.DelayMS, 0)}), nil
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func newDeepgram(cfg Config, logger *slog.Logger) (speech.Recognizer, error) {
	if err := configutil.ValidateSettings(cfg.Speech.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("speech.settings: %w", err)
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(cfg.Speech.Settings, &s); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		SampleRate:     cfg.Speech.SampleRate,
		Channels:       1,
		Interim:        s.Interim,
		UtteranceEndMS: s.UtteranceEndMS,
		Logger:         logger,
	}), nil
}

// silentFrame is one MPEG-1 Layer III frame (44.1kHz, 128kbps, stereo) of silence.
var silentFrame = func() []byte {
	frame := make([]byte, 417)
	frame[0], frame[1], frame[2], frame[3] = 0xFF, 0xFB, 0x90, 0x00
	return frame
}()
