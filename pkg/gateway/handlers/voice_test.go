package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core/llm"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/auth"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/stt"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/tts"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/lifecycle"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/pipeline"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/session"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/mw"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/ratelimit"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/tools"
)

type voiceHarness struct {
	srv       *httptest.Server
	registry  *registry.Registry
	lifecycle *lifecycle.Lifecycle
}

func newVoiceTestServer(t *testing.T) *voiceHarness {
	t.Helper()
	return newLimitedVoiceTestServer(t, nil)
}

func newLimitedVoiceTestServer(t *testing.T, limiter *ratelimit.Limiter) *voiceHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registry.Config{IdleTTL: time.Minute}, logger)
	lc := lifecycle.New()

	builtins, err := tools.Builtins(tools.ServerInfo{Name: "robot-console", Version: "test"}, reg, time.Now())
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	toolRegistry, err := tools.NewRegistry(tools.ServerInfo{Name: "robot-console", Version: "test"}, builtins...)
	if err != nil {
		t.Fatalf("tool registry: %v", err)
	}

	handler := VoiceHandler{
		Session: session.Config{
			HandshakeTimeout: 2 * time.Second,
			Features:         protocol.Features{AEC: true, MCP: true},
			Pipeline:         pipeline.Config{SilenceGap: time.Hour},
		},
		Registry: reg,
		Providers: Providers{
			Transcriber: stt.Static{Text: "hello robot"},
			Responder:   llm.Echo{},
			Synthesizer: tts.Silence{},
			Tools:       toolRegistry,
		},
		Logger:    logger,
		Lifecycle: lc,
		Limiter:   limiter,
	}

	mux := http.NewServeMux()
	mux.Handle("/xiaozhi/v1/", handler)
	mux.Handle("/ws", handler)
	var h http.Handler = mux
	h = mw.AccessLog(logger, h)
	h = mw.RequestID(h)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &voiceHarness{srv: srv, registry: reg, lifecycle: lc}
}

func (h *voiceHarness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

func mustDialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustWriteText(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// nextJSON skips binary frames and returns the next text message.
func nextJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		return out
	}
}

func TestVoiceHandler_DeviceIDFromQuery(t *testing.T) {
	h := newVoiceTestServer(t)
	conn := mustDialWS(t, h.wsURL("/ws?device-id=11:22:33"), nil)

	mustWriteText(t, conn, `{"type":"hello","version":1,"transport":"websocket","features":{"mcp":false}}`)
	reply := nextJSON(t, conn)
	if reply["type"] != "hello" {
		t.Fatalf("reply=%v", reply)
	}
	if got := h.registry.ByDevice("11:22:33"); len(got) != 1 {
		t.Fatalf("sessions for device=%d, want 1", len(got))
	}
}

func TestVoiceHandler_TextRoundTrip(t *testing.T) {
	h := newVoiceTestServer(t)
	header := http.Header{}
	header.Set("Device-Id", "aa:bb:cc:dd")
	conn := mustDialWS(t, h.wsURL("/xiaozhi/v1/"), header)

	mustWriteText(t, conn, `{"type":"hello","version":1,"transport":"websocket","features":{"mcp":false},"audio_params":{"format":"pcm","sample_rate":16000,"channels":1,"frame_duration":60}}`)
	reply := nextJSON(t, conn)
	sessionID, _ := reply["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("hello reply without session id: %v", reply)
	}

	mustWriteText(t, conn, `{"type":"listen","state":"detect","text":"[happy] good morning"}`)

	// Inline text skips transcription, so the first event is the reply.
	reply = nextJSON(t, conn)
	if reply["type"] != "llm" || reply["text"] != "good morning" || reply["emotion"] != "happy" {
		t.Fatalf("llm=%v", reply)
	}
	if reply["session_id"] != sessionID {
		t.Fatalf("llm session_id=%v, want %s", reply["session_id"], sessionID)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if mt != websocket.BinaryMessage || len(data) == 0 {
		t.Fatalf("expected synthesized audio frame, got type=%d len=%d", mt, len(data))
	}
}

func TestVoiceHandler_DeviceCallsBuiltinTool(t *testing.T) {
	h := newVoiceTestServer(t)
	header := http.Header{}
	header.Set("Device-Id", "robot-7")
	conn := mustDialWS(t, h.wsURL("/ws"), header)

	mustWriteText(t, conn, `{"type":"hello","version":1,"transport":"websocket","features":{"mcp":true}}`)
	if reply := nextJSON(t, conn); reply["type"] != "hello" {
		t.Fatalf("reply=%v", reply)
	}

	mustWriteText(t, conn, `{"type":"mcp","payload":{"jsonrpc":"2.0","id":"dev-1","method":"tools/call","params":{"name":"get_device_status","arguments":{"device_id":"robot-7"}}}}`)

	// The server also opens its own initialize exchange with mcp devices;
	// skip anything that is not the answer to dev-1.
	for i := 0; i < 5; i++ {
		msg := nextJSON(t, conn)
		if msg["type"] != "mcp" {
			continue
		}
		payload, _ := msg["payload"].(map[string]any)
		if payload["id"] != "dev-1" {
			continue
		}
		if payload["error"] != nil {
			t.Fatalf("tool call failed: %v", payload["error"])
		}
		result, _ := payload["result"].(map[string]any)
		if result == nil {
			t.Fatalf("payload without result: %v", payload)
		}
		return
	}
	t.Fatalf("no response to dev-1")
}

func TestVoiceHandler_DrainingRefusesUpgrade(t *testing.T) {
	h := newVoiceTestServer(t)
	h.lifecycle.SetDraining(true)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v", resp)
	}
}

func TestVoiceHandler_PlainGETNeedsUpgrade(t *testing.T) {
	h := newVoiceTestServer(t)
	resp, err := http.Get(h.srv.URL + "/xiaozhi/v1/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var env struct {
		Error mw.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "upgrade_required" || env.Error.RequestID == "" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestVoiceHandler_LimitsConnectionsPerDevice(t *testing.T) {
	h := newLimitedVoiceTestServer(t, ratelimit.New(ratelimit.Config{MaxConnections: 1}))
	header := http.Header{}
	header.Set("Device-Id", "busy-robot")

	first := mustDialWS(t, h.wsURL("/ws"), header)
	mustWriteText(t, first, `{"type":"hello","version":1,"transport":"websocket"}`)
	if reply := nextJSON(t, first); reply["type"] != "hello" {
		t.Fatalf("reply=%v", reply)
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws"), header)
	if err == nil {
		t.Fatalf("second connection for the same device should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	header.Set("Device-Id", "other-robot")
	_ = mustDialWS(t, h.wsURL("/ws"), header)
}

func TestVoiceHandler_AnonymousClientsHaveSeparateLimits(t *testing.T) {
	h := newLimitedVoiceTestServer(t, ratelimit.New(ratelimit.Config{MaxConnections: 1}))

	first := http.Header{}
	first.Set("Client-Id", "web-a")
	conn := mustDialWS(t, h.wsURL("/ws"), first)
	mustWriteText(t, conn, `{"type":"hello","version":1,"transport":"websocket"}`)
	if reply := nextJSON(t, conn); reply["type"] != "hello" {
		t.Fatalf("reply=%v", reply)
	}

	second := http.Header{}
	second.Set("Client-Id", "web-b")
	_ = mustDialWS(t, h.wsURL("/ws"), second)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws"), first)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("same client id should share a budget, err=%v resp=%v", err, resp)
	}
}

func TestLimiterKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if got := limiterKey(req, "robot-1"); got != "robot-1" {
		t.Fatalf("known device key=%q", got)
	}
	if got := limiterKey(req, unknownDevice); got != "addr:10.0.0.7" {
		t.Fatalf("anonymous key=%q", got)
	}
	other := httptest.NewRequest(http.MethodGet, "/ws", nil)
	other.RemoteAddr = "10.0.0.8:5123"
	if limiterKey(other, unknownDevice) == limiterKey(req, unknownDevice) {
		t.Fatalf("different addresses must not share a key")
	}
	req.Header.Set("Client-Id", "web-a")
	if got := limiterKey(req, unknownDevice); got != "client:web-a" {
		t.Fatalf("client key=%q", got)
	}
}

func TestVoiceHandler_RejectsUnknownToken(t *testing.T) {
	handler := VoiceHandler{Tokens: auth.NewTokens([]string{"device-secret"})}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}

	// A valid token gets as far as the upgrade check.
	rr = httptest.NewRecorder()
	req.Header.Set("Authorization", "Bearer device-secret")
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUpgradeRequired {
		t.Fatalf("status=%d, want 426", rr.Code)
	}
}

func TestDeviceIDFrom(t *testing.T) {
	if got := DeviceIDFrom(httptest.NewRequest(http.MethodGet, "/ws", nil)); got != "unknown" {
		t.Fatalf("default device id=%q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/ws?device-id=from-query", nil)
	if got := DeviceIDFrom(req); got != "from-query" {
		t.Fatalf("got %q", got)
	}
	req.Header.Set("Device-Id", " from-header ")
	if got := DeviceIDFrom(req); got != "from-header" {
		t.Fatalf("header should win, got %q", got)
	}
}
