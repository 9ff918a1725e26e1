package handlers

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/auth"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/lifecycle"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/session"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/mw"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/ratelimit"
)

const (
	deviceIDHeader = "Device-Id"
	deviceIDQuery  = "device-id"
	clientIDHeader = "Client-Id"
	unknownDevice  = "unknown"
)

// Providers are the capability implementations shared by every session.
type Providers struct {
	Transcriber core.Transcriber
	Responder   core.Responder
	Synthesizer core.Synthesizer
	Tools       core.ToolRegistry
}

// VoiceHandler upgrades device connections and runs one session actor per
// websocket until it ends.
type VoiceHandler struct {
	Session   session.Config
	Registry  *registry.Registry
	Providers Providers
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	// Tokens is optional; nil or empty accepts unauthenticated devices.
	Tokens *auth.Tokens
	// Limiter is optional; nil admits every handshake.
	Limiter *ratelimit.Limiter
	// Upgrader is optional; the zero value accepts any origin, since devices
	// do not send one.
	Upgrader *websocket.Upgrader
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, &mw.Error{
			Type: "invalid_request", Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &mw.Error{
			Type: "overloaded", Code: "draining", Message: "server is draining", RequestID: reqID,
		})
		return
	}
	if !h.Tokens.Authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		mw.WriteJSONError(w, http.StatusUnauthorized, &mw.Error{
			Type: "authentication_error", Code: "invalid_token", Message: "missing or unknown device token", RequestID: reqID,
		})
		return
	}
	if !mw.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		mw.WriteJSONError(w, http.StatusUpgradeRequired, &mw.Error{
			Type: "invalid_request", Code: "upgrade_required", Message: "websocket upgrade required", RequestID: reqID,
		})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deviceID := DeviceIDFrom(r)

	decision := h.Limiter.AcquireConnection(limiterKey(r, deviceID), time.Now())
	if !decision.Allowed {
		logger.Warn("device connection rejected", "request_id", reqID, "device_id", deviceID, "reason", decision.Reason)
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		mw.WriteJSONError(w, http.StatusTooManyRequests, &mw.Error{
			Type: "rate_limit_error", Code: decision.Reason, Message: "too many connections for device", RequestID: reqID,
		})
		return
	}
	defer decision.Permit.Release()

	upgrader := h.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Debug("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}

	sess, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		Registry:    h.Registry,
		Transcriber: h.Providers.Transcriber,
		Responder:   h.Providers.Responder,
		Synthesizer: h.Providers.Synthesizer,
		Tools:       h.Providers.Tools,
		DeviceID:    deviceID,
		RequestID:   reqID,
		Config:      h.Session,
	})
	if err != nil {
		logger.Error("session setup failed", "request_id", reqID, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"))
		_ = conn.Close()
		return
	}

	logger.Info("device connected", "request_id", reqID, "device_id", deviceID, "client_id", r.Header.Get(clientIDHeader))
	if err := sess.Run(r.Context()); err != nil {
		logger.Info("device session ended", "request_id", reqID, "device_id", deviceID, "error", err)
		return
	}
	logger.Info("device disconnected", "request_id", reqID, "device_id", deviceID)
}

// DeviceIDFrom reads the device identity from the Device-Id header, falling
// back to the device-id query parameter. Browsers cannot set headers on a
// websocket handshake, hence the query form.
func DeviceIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(deviceIDHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get(deviceIDQuery)); id != "" {
		return id
	}
	return unknownDevice
}

// limiterKey buckets anonymous devices by Client-Id, then by remote IP, so
// they do not all share the "unknown" budget.
func limiterKey(r *http.Request, deviceID string) string {
	if deviceID != unknownDevice {
		return deviceID
	}
	if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return unknownDevice
	}
	return "addr:" + host
}
