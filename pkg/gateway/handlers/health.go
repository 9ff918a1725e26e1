package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/config"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/lifecycle"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports configuration issues and drain state. It answers 503
// whenever the server should not receive new devices.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *registry.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Draining         bool     `json:"draining"`
		STTProvider      string   `json:"stt_provider"`
		LLMProvider      string   `json:"llm_provider"`
		TTSProvider      string   `json:"tts_provider"`
		Sessions         int      `json:"sessions"`
		AttachedSessions int      `json:"attached_sessions"`
		UptimeSeconds    int64    `json:"uptime_seconds"`
		Issues           []string `json:"issues,omitempty"`
	}

	issues := h.Config.Issues()
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	draining := h.Lifecycle.IsDraining()

	resp := readyResp{
		OK:            len(issues) == 0 && !draining,
		Draining:      draining,
		STTProvider:   h.Config.STT.Provider,
		LLMProvider:   h.Config.LLM.Provider,
		TTSProvider:   h.Config.TTS.Provider,
		UptimeSeconds: int64(h.Lifecycle.Uptime().Seconds()),
		Issues:        issues,
	}
	if h.Registry != nil {
		resp.Sessions = h.Registry.Count()
		resp.AttachedSessions = h.Registry.AttachedCount()
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
