package companion

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/companion/pkg/configutil"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Companion     CompanionConfig     `mapstructure:"companion"`
	Socket        SocketConfig        `mapstructure:"socket"`
	Synth         SynthConfig         `mapstructure:"synth"`
	Proxy         ProxyConfig         `mapstructure:"proxy"`
	Playback      PlaybackConfig      `mapstructure:"playback"`
	Render        RenderConfig        `mapstructure:"render"`
	Camera        CameraConfig        `mapstructure:"camera"`
	Speech        SpeechConfig        `mapstructure:"speech"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type CompanionConfig struct {
	ID  string `mapstructure:"id"`
	URL string `mapstructure:"url"`
}

type SocketConfig struct {
	URL                   string `mapstructure:"url"`
	ReconnectBackoffMS    int    `mapstructure:"reconnect_backoff_ms"`
	ReconnectMaxBackoffMS int    `mapstructure:"reconnect_max_backoff_ms"`
	ReconnectMaxRetries   int    `mapstructure:"reconnect_max_retries"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SynthConfig struct {
	VendorConfig        `mapstructure:",squash"`
	FirstByteTimeoutMS  int `mapstructure:"first_byte_timeout_ms"`
	IdleTimeoutMS       int `mapstructure:"idle_timeout_ms"`
	RateLimitThreshold  int `mapstructure:"rate_limit_threshold"`
	RateLimitCooldownMS int `mapstructure:"rate_limit_cooldown_ms"`
}

type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type PlaybackConfig struct {
	// Output is "miniaudio" for the default device or "clock" for a silent
	// wall-clock sink.
	Output   string `mapstructure:"output"`
	BufferMS int    `mapstructure:"buffer_ms"`
}

type RenderConfig struct {
	FPS           int `mapstructure:"fps"`
	GestureClipMS int `mapstructure:"gesture_clip_ms"`
	// MouthSampleRate is the fraction of mouth_level events kept.
	MouthSampleRate float64 `mapstructure:"mouth_sample_rate"`
}

type CameraConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ImagePath  string `mapstructure:"image_path"`
	IntervalMS int    `mapstructure:"interval_ms"`
}

type SpeechConfig struct {
	VendorConfig `mapstructure:",squash"`
	MinChars     int `mapstructure:"min_chars"`
	SampleRate   int `mapstructure:"sample_rate"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("companion.id", "")
	v.SetDefault("companion.url", "")
	v.SetDefault("socket.url", "")
	v.SetDefault("socket.reconnect_backoff_ms", 500)
	v.SetDefault("socket.reconnect_max_backoff_ms", 30000)
	v.SetDefault("socket.reconnect_max_retries", -1)
	v.SetDefault("synth.provider", "aivis")
	v.SetDefault("synth.first_byte_timeout_ms", 10000)
	v.SetDefault("synth.idle_timeout_ms", 5000)
	v.SetDefault("synth.rate_limit_threshold", 3)
	v.SetDefault("synth.rate_limit_cooldown_ms", 10000)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.addr", ":3000")
	v.SetDefault("proxy.path", "/api/tts")
	v.SetDefault("playback.output", "miniaudio")
	v.SetDefault("playback.buffer_ms", 200)
	v.SetDefault("render.fps", 60)
	v.SetDefault("render.gesture_clip_ms", 3000)
	v.SetDefault("render.mouth_sample_rate", 0.1)
	v.SetDefault("camera.enabled", false)
	v.SetDefault("camera.image_path", "")
	v.SetDefault("camera.interval_ms", 60000)
	v.SetDefault("speech.provider", "none")
	v.SetDefault("speech.min_chars", 5)
	v.SetDefault("speech.sample_rate", 16000)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Socket.URL, "socket.url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Companion.ID, "companion.id"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Synth.Provider, "synth.provider"); err != nil {
		return err
	}
	if c.Camera.Enabled {
		if err := configutil.RequireString(c.Companion.URL, "companion.url"); err != nil {
			return err
		}
		if err := configutil.RequireString(c.Camera.ImagePath, "camera.image_path"); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Playback.Output)) {
	case "miniaudio", "clock":
	default:
		return fmt.Errorf("playback.output must be miniaudio or clock, got %q", c.Playback.Output)
	}
	if c.Render.MouthSampleRate < 0 || c.Render.MouthSampleRate > 1 {
		return fmt.Errorf("render.mouth_sample_rate must be within [0,1]")
	}
	return nil
}

func (c Config) socketBackoff() (time.Duration, time.Duration) {
	return configutil.Millis(c.Socket.ReconnectBackoffMS, 500*time.Millisecond),
		configutil.Millis(c.Socket.ReconnectMaxBackoffMS, 30*time.Second)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Synth.Settings = expandSettings(cfg.Synth.Settings)
	cfg.Speech.Settings = expandSettings(cfg.Speech.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
