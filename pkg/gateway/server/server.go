package server

import (
	"log/slog"
	"net/http"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/auth"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/config"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/handlers"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/lifecycle"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/pipeline"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/session"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/toolproto"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/mw"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/ratelimit"
)

// Device-facing websocket routes. Firmware in the field uses the first.
var voiceRoutes = []string{"/xiaozhi/v1/", "/ws"}

type Dependencies struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Lifecycle
	Providers handlers.Providers
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Registry:  s.deps.Registry,
	})

	voice := handlers.VoiceHandler{
		Session:   SessionConfig(s.cfg),
		Registry:  s.deps.Registry,
		Providers: s.deps.Providers,
		Logger:    s.logger,
		Lifecycle: s.deps.Lifecycle,
		Tokens:    auth.NewTokens(s.cfg.DeviceTokens),
		Limiter:   ConnectionLimiter(s.cfg.Limits),
	}
	for _, route := range voiceRoutes {
		s.mux.Handle(route, voice)
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// ConnectionLimiter returns nil when every limit is disabled.
func ConnectionLimiter(cfg config.LimitsConfig) *ratelimit.Limiter {
	rateOn := cfg.ConnectRPS > 0 && cfg.ConnectBurst > 0
	if !rateOn && cfg.MaxConnectionsPerDevice <= 0 {
		return nil
	}
	return ratelimit.New(ratelimit.Config{
		ConnectRPS:     cfg.ConnectRPS,
		ConnectBurst:   cfg.ConnectBurst,
		MaxConnections: cfg.MaxConnectionsPerDevice,
	})
}

// SessionConfig maps the gateway configuration onto per-connection settings.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		PingInterval:      cfg.Session.PingInterval,
		WriteTimeout:      cfg.Session.WriteTimeout,
		ReadTimeout:       cfg.Session.ReadTimeout,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		OutboundQueueSize: cfg.Session.OutboundQueueSize,
		Features: protocol.Features{
			AEC: cfg.Session.FeatureAEC,
			MCP: cfg.Session.FeatureMCP,
		},
		Formats: append([]string(nil), cfg.Session.Formats...),
		Pipeline: pipeline.Config{
			SilenceGap:        cfg.Pipeline.SilenceGap,
			MaxUtteranceBytes: cfg.Pipeline.MaxUtteranceBytes,
			MinUtteranceBytes: cfg.Pipeline.MinUtteranceBytes,
			AudioQueueFrames:  cfg.Pipeline.AudioQueueFrames,
			TranscribeTimeout: cfg.Pipeline.StageOr(cfg.Pipeline.TranscribeTimeout),
			RespondTimeout:    cfg.Pipeline.StageOr(cfg.Pipeline.RespondTimeout),
			SynthesizeTimeout: cfg.Pipeline.StageOr(cfg.Pipeline.SynthesizeTimeout),
			MaxHistoryTurns:   cfg.Pipeline.MaxHistoryTurns,
		},
		Tools: toolproto.Config{CallTimeout: cfg.ToolCallTimeout},
	}
}
