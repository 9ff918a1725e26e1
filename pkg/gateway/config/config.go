package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

type Config struct {
	Addr      string `yaml:"addr"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Registry RegistryConfig `yaml:"registry"`
	Limits   LimitsConfig   `yaml:"limits"`

	// DeviceTokens, when non-empty, are the bearer tokens a device must
	// present on the websocket handshake.
	DeviceTokens []string `yaml:"device_tokens,omitempty"`

	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`

	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
	TTS TTSConfig `yaml:"tts"`

	// Operational defaults
	ReadHeaderTimeout      time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod    time.Duration `yaml:"shutdown_grace_period"`
	UpstreamConnectTimeout time.Duration `yaml:"upstream_connect_timeout"`
}

type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	FeatureAEC        bool          `yaml:"feature_aec"`
	FeatureMCP        bool          `yaml:"feature_mcp"`
	Formats           []string      `yaml:"formats"`
}

type PipelineConfig struct {
	SilenceGap        time.Duration `yaml:"silence_gap"`
	MaxUtteranceBytes int           `yaml:"max_utterance_bytes"`
	MinUtteranceBytes int           `yaml:"min_utterance_bytes"`
	AudioQueueFrames  int           `yaml:"audio_queue_frames"`
	StageTimeout      time.Duration `yaml:"stage_timeout"`
	// Per-stage overrides. Zero falls back to StageTimeout.
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	RespondTimeout    time.Duration `yaml:"respond_timeout"`
	SynthesizeTimeout time.Duration `yaml:"synthesize_timeout"`
	MaxHistoryTurns   int           `yaml:"max_history_turns"`
}

// StageOr returns d, or StageTimeout when d is unset.
func (p PipelineConfig) StageOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return p.StageTimeout
}

type RegistryConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LimitsConfig caps websocket handshakes per device. Zero disables a limit.
type LimitsConfig struct {
	ConnectRPS              float64 `yaml:"connect_rps"`
	ConnectBurst            int     `yaml:"connect_burst"`
	MaxConnectionsPerDevice int     `yaml:"max_connections_per_device"`
}

type STTConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"api_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
	// StaticText is what the static provider returns for any audio.
	StaticText string `yaml:"static_text"`
}

type LLMConfig struct {
	Provider     string  `yaml:"provider"`
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"api_url"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"api_url"`
	Model       string `yaml:"model"`
	Voice       string `yaml:"voice"`
	// AudioFormat forces the synthesized format; empty follows each session.
	AudioFormat string `yaml:"audio_format"`
}

// Default is the configuration before any file or environment is applied.
func Default() Config {
	return Config{
		Addr:      "0.0.0.0:8080",
		LogFormat: "text",
		LogLevel:  "info",
		Session: SessionConfig{
			HandshakeTimeout:  10 * time.Second,
			PingInterval:      20 * time.Second,
			WriteTimeout:      5 * time.Second,
			MaxMessageBytes:   1 << 20,
			OutboundQueueSize: 128,
			FeatureAEC:        true,
			FeatureMCP:        true,
			Formats:           []string{"opus", "pcm", "mp3", "wav"},
		},
		Pipeline: PipelineConfig{
			SilenceGap:        600 * time.Millisecond,
			MaxUtteranceBytes: 1 << 20,
			AudioQueueFrames:  64,
			StageTimeout:      30 * time.Second,
			MaxHistoryTurns:   20,
		},
		Registry: RegistryConfig{
			IdleTTL:       5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Limits: LimitsConfig{
			ConnectRPS:              1,
			ConnectBurst:            5,
			MaxConnectionsPerDevice: 4,
		},
		ToolCallTimeout: 15 * time.Second,
		STT: STTConfig{
			Provider: "whisper",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "whisper-1",
		},
		LLM: LLMConfig{
			Provider:    "grok",
			BaseURL:     "https://api.x.ai/v1",
			Model:       "grok-4",
			MaxTokens:   2048,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "tts-1",
			Voice:       "alloy",
		},
		ReadHeaderTimeout:      10 * time.Second,
		ShutdownGracePeriod:    30 * time.Second,
		UpstreamConnectTimeout: 5 * time.Second,
	}
}

// LoadFromEnv loads the overlay named by ROBOT_CONFIG_FILE, if any, and then
// applies environment overrides.
func LoadFromEnv() (Config, error) {
	return Load(envOr("ROBOT_CONFIG_FILE", ""))
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if os.Getenv("SERVER_HOST") != "" || os.Getenv("SERVER_PORT") != "" {
		host, port, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host, port = cfg.Addr, "8080"
		}
		cfg.Addr = net.JoinHostPort(envOr("SERVER_HOST", host), envOr("SERVER_PORT", port))
	}
	cfg.Addr = envOr("ROBOT_ADDR", cfg.Addr)
	cfg.LogFormat = strings.ToLower(envOr("ROBOT_LOG_FORMAT", cfg.LogFormat))
	cfg.LogLevel = strings.ToLower(envOr("ROBOT_LOG_LEVEL", cfg.LogLevel))

	s := &cfg.Session
	s.HandshakeTimeout = envDurationOr("ROBOT_HANDSHAKE_TIMEOUT", s.HandshakeTimeout)
	s.PingInterval = envDurationOr("ROBOT_WS_PING_INTERVAL", s.PingInterval)
	s.WriteTimeout = envDurationOr("ROBOT_WS_WRITE_TIMEOUT", s.WriteTimeout)
	s.ReadTimeout = envDurationOr("ROBOT_WS_READ_TIMEOUT", s.ReadTimeout)
	s.MaxMessageBytes = envInt64Or("ROBOT_MAX_MESSAGE_BYTES", s.MaxMessageBytes)
	s.OutboundQueueSize = envIntOr("ROBOT_OUTBOUND_QUEUE_SIZE", s.OutboundQueueSize)
	s.FeatureAEC = envBoolOr("ROBOT_FEATURE_AEC", s.FeatureAEC)
	s.FeatureMCP = envBoolOr("ROBOT_FEATURE_MCP", s.FeatureMCP)
	if formats := splitCSV(os.Getenv("ROBOT_AUDIO_FORMATS")); len(formats) > 0 {
		s.Formats = formats
	}

	p := &cfg.Pipeline
	p.SilenceGap = envDurationOr("ROBOT_SILENCE_GAP", p.SilenceGap)
	p.MaxUtteranceBytes = envIntOr("ROBOT_MAX_UTTERANCE_BYTES", p.MaxUtteranceBytes)
	p.MinUtteranceBytes = envIntOr("ROBOT_MIN_UTTERANCE_BYTES", p.MinUtteranceBytes)
	p.AudioQueueFrames = envIntOr("ROBOT_AUDIO_QUEUE_FRAMES", p.AudioQueueFrames)
	p.StageTimeout = envDurationOr("ROBOT_STAGE_TIMEOUT", p.StageTimeout)
	p.TranscribeTimeout = envDurationOr("ROBOT_TRANSCRIBE_TIMEOUT", p.TranscribeTimeout)
	p.RespondTimeout = envDurationOr("ROBOT_RESPOND_TIMEOUT", p.RespondTimeout)
	p.SynthesizeTimeout = envDurationOr("ROBOT_SYNTHESIZE_TIMEOUT", p.SynthesizeTimeout)
	p.MaxHistoryTurns = envIntOr("ROBOT_MAX_HISTORY_TURNS", p.MaxHistoryTurns)

	cfg.Registry.IdleTTL = envDurationOr("ROBOT_SESSION_IDLE_TTL", cfg.Registry.IdleTTL)
	cfg.Registry.SweepInterval = envDurationOr("ROBOT_SESSION_SWEEP_INTERVAL", cfg.Registry.SweepInterval)
	if tokens := splitCSV(os.Getenv("ROBOT_DEVICE_TOKENS")); len(tokens) > 0 {
		cfg.DeviceTokens = tokens
	}
	cfg.Limits.ConnectRPS = envFloat64Or("ROBOT_CONNECT_RPS", cfg.Limits.ConnectRPS)
	cfg.Limits.ConnectBurst = envIntOr("ROBOT_CONNECT_BURST", cfg.Limits.ConnectBurst)
	cfg.Limits.MaxConnectionsPerDevice = envIntOr("ROBOT_MAX_CONNECTIONS_PER_DEVICE", cfg.Limits.MaxConnectionsPerDevice)
	cfg.ToolCallTimeout = envDurationOr("ROBOT_TOOL_CALL_TIMEOUT", cfg.ToolCallTimeout)

	cfg.STT.Provider = strings.ToLower(envOr("STT_PROVIDER", cfg.STT.Provider))
	cfg.STT.APIKey = envOr("STT_API_KEY", cfg.STT.APIKey)
	cfg.STT.BaseURL = envOr("STT_API_URL", cfg.STT.BaseURL)
	cfg.STT.Model = envOr("STT_MODEL", cfg.STT.Model)
	cfg.STT.Language = envOr("STT_LANGUAGE", cfg.STT.Language)
	cfg.STT.StaticText = envOr("STT_STATIC_TEXT", cfg.STT.StaticText)

	cfg.LLM.Provider = strings.ToLower(envOr("LLM_PROVIDER", cfg.LLM.Provider))
	cfg.LLM.APIKey = envOr("GROK_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.APIKey = envOr("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.BaseURL = envOr("GROK_API_URL", cfg.LLM.BaseURL)
	cfg.LLM.Model = envOr("GROK_MODEL", cfg.LLM.Model)
	cfg.LLM.SystemPrompt = envOr("GROK_SYSTEM_PROMPT", cfg.LLM.SystemPrompt)
	cfg.LLM.MaxTokens = envIntOr("GROK_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.Temperature = envFloat64Or("GROK_TEMPERATURE", cfg.LLM.Temperature)

	cfg.TTS.Provider = strings.ToLower(envOr("TTS_PROVIDER", cfg.TTS.Provider))
	cfg.TTS.APIKey = envOr("TTS_API_KEY", cfg.TTS.APIKey)
	cfg.TTS.BaseURL = envOr("TTS_API_URL", cfg.TTS.BaseURL)
	cfg.TTS.Model = envOr("TTS_MODEL", cfg.TTS.Model)
	cfg.TTS.Voice = envOr("TTS_VOICE", cfg.TTS.Voice)
	cfg.TTS.AudioFormat = strings.ToLower(envOr("TTS_AUDIO_FORMAT", cfg.TTS.AudioFormat))

	// Speech-to-text and text-to-speech usually share one OpenAI key.
	if cfg.STT.APIKey == "" {
		cfg.STT.APIKey = cfg.TTS.APIKey
	}
	if cfg.TTS.APIKey == "" {
		cfg.TTS.APIKey = cfg.STT.APIKey
	}

	cfg.ReadHeaderTimeout = envDurationOr("ROBOT_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("ROBOT_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
	cfg.UpstreamConnectTimeout = envDurationOr("ROBOT_UPSTREAM_CONNECT_TIMEOUT", cfg.UpstreamConnectTimeout)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("ROBOT_ADDR must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("ROBOT_LOG_FORMAT must be one of text|json")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("ROBOT_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if c.Session.HandshakeTimeout <= 0 {
		return fmt.Errorf("ROBOT_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.Session.PingInterval <= 0 {
		return fmt.Errorf("ROBOT_WS_PING_INTERVAL must be > 0")
	}
	if c.Session.WriteTimeout <= 0 {
		return fmt.Errorf("ROBOT_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.Session.ReadTimeout < 0 {
		return fmt.Errorf("ROBOT_WS_READ_TIMEOUT must be >= 0")
	}
	if c.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("ROBOT_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.Session.OutboundQueueSize <= 0 {
		return fmt.Errorf("ROBOT_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if len(c.Session.Formats) == 0 {
		return fmt.Errorf("ROBOT_AUDIO_FORMATS must not be empty")
	}

	if c.Pipeline.SilenceGap <= 0 {
		return fmt.Errorf("ROBOT_SILENCE_GAP must be > 0")
	}
	if c.Pipeline.MaxUtteranceBytes <= 0 {
		return fmt.Errorf("ROBOT_MAX_UTTERANCE_BYTES must be > 0")
	}
	if c.Pipeline.MinUtteranceBytes < 0 {
		return fmt.Errorf("ROBOT_MIN_UTTERANCE_BYTES must be >= 0")
	}
	if c.Pipeline.MinUtteranceBytes > c.Pipeline.MaxUtteranceBytes {
		return fmt.Errorf("ROBOT_MIN_UTTERANCE_BYTES must be <= ROBOT_MAX_UTTERANCE_BYTES")
	}
	if c.Pipeline.AudioQueueFrames <= 0 {
		return fmt.Errorf("ROBOT_AUDIO_QUEUE_FRAMES must be > 0")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("ROBOT_STAGE_TIMEOUT must be > 0")
	}
	if c.Pipeline.TranscribeTimeout < 0 {
		return fmt.Errorf("ROBOT_TRANSCRIBE_TIMEOUT must be >= 0")
	}
	if c.Pipeline.RespondTimeout < 0 {
		return fmt.Errorf("ROBOT_RESPOND_TIMEOUT must be >= 0")
	}
	if c.Pipeline.SynthesizeTimeout < 0 {
		return fmt.Errorf("ROBOT_SYNTHESIZE_TIMEOUT must be >= 0")
	}
	if c.Pipeline.MaxHistoryTurns < 0 {
		return fmt.Errorf("ROBOT_MAX_HISTORY_TURNS must be >= 0")
	}

	if c.Registry.IdleTTL <= 0 {
		return fmt.Errorf("ROBOT_SESSION_IDLE_TTL must be > 0")
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("ROBOT_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.Limits.ConnectRPS < 0 {
		return fmt.Errorf("ROBOT_CONNECT_RPS must be >= 0")
	}
	if c.Limits.ConnectBurst < 0 {
		return fmt.Errorf("ROBOT_CONNECT_BURST must be >= 0")
	}
	if c.Limits.MaxConnectionsPerDevice < 0 {
		return fmt.Errorf("ROBOT_MAX_CONNECTIONS_PER_DEVICE must be >= 0")
	}
	if c.ToolCallTimeout <= 0 {
		return fmt.Errorf("ROBOT_TOOL_CALL_TIMEOUT must be > 0")
	}

	switch c.STT.Provider {
	case "whisper", "static":
	default:
		return fmt.Errorf("STT_PROVIDER must be one of whisper|static")
	}
	switch c.LLM.Provider {
	case "grok", "openai", "gemini", "echo":
	default:
		return fmt.Errorf("LLM_PROVIDER must be one of grok|openai|gemini|echo")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("GROK_MAX_TOKENS must be > 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("GROK_TEMPERATURE must be within [0, 2]")
	}
	switch c.TTS.Provider {
	case "openai", "silence":
	default:
		return fmt.Errorf("TTS_PROVIDER must be one of openai|silence")
	}
	switch c.TTS.AudioFormat {
	case "", "opus", "mp3", "pcm", "wav":
	default:
		return fmt.Errorf("TTS_AUDIO_FORMAT must be one of opus|mp3|pcm|wav")
	}

	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("ROBOT_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("ROBOT_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if c.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("ROBOT_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	return nil
}

// Issues lists problems that do not stop the server from starting but leave a
// pipeline stage unable to work, such as a missing provider key.
func (c Config) Issues() []string {
	issues := make([]string, 0, 3)
	if c.STT.Provider == "whisper" && c.STT.APIKey == "" {
		issues = append(issues, "stt provider whisper has no api key")
	}
	if c.LLM.Provider != "echo" && c.LLM.APIKey == "" {
		issues = append(issues, fmt.Sprintf("llm provider %s has no api key", c.LLM.Provider))
	}
	if c.TTS.Provider == "openai" && c.TTS.APIKey == "" {
		issues = append(issues, "tts provider openai has no api key")
	}
	return issues
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	out.Session.Formats = append([]string(nil), c.Session.Formats...)
	out.DeviceTokens = nil
	for range c.DeviceTokens {
		out.DeviceTokens = append(out.DeviceTokens, redacted)
	}
	for _, key := range []*string{&out.STT.APIKey, &out.LLM.APIKey, &out.TTS.APIKey} {
		if *key != "" {
			*key = redacted
		}
	}
	return out
}

// YAML renders the configuration in the overlay file format.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts Go durations ("600ms") and bare integers, which are
// read as milliseconds.
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
