// Package session runs one device connection: the hello handshake, the
// message dispatch loop, and the outbound writer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/pipeline"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/toolproto"
)

const (
	outboundPriorityQueueSize = 8

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxMessageBytes  = 1 << 20
)

var (
	errGoodbye          = errors.New("client said goodbye")
	errHandshakeTimeout = errors.New("handshake timed out")
)

type State int32

const (
	StateConnecting State = iota
	StateAwaitingHandshake
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	// ReadTimeout bounds silence on the socket; pongs and frames extend it.
	// Zero means three ping intervals.
	ReadTimeout       time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int

	// Features the server is willing to provide.
	Features       protocol.Features
	Formats        []string
	FrameDurations []int

	Pipeline pipeline.Config
	Tools    toolproto.Config
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if len(c.Formats) == 0 {
		c.Formats = defaultFormats
	} else {
		formats := make([]string, 0, len(c.Formats))
		for _, f := range c.Formats {
			formats = append(formats, normalizeFormat(f))
		}
		c.Formats = formats
	}
	if len(c.FrameDurations) == 0 {
		c.FrameDurations = defaultFrameDurations
	}
	return c
}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	Registry    *registry.Registry
	Transcriber core.Transcriber
	Responder   core.Responder
	Synthesizer core.Synthesizer
	Tools       core.ToolRegistry
	DeviceID    string
	RequestID   string
	Config      Config
}

// Session is the actor for one connection. It implements protocol.Handler for
// inbound messages and pipeline.Emitter for outbound events.
type Session struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	registry    *registry.Registry
	transcriber core.Transcriber
	responder   core.Responder
	synthesizer core.Synthesizer
	tools       core.ToolRegistry
	deviceID    string
	cfg         Config

	state  atomic.Int32
	writer *outboundWriter

	// Set during the handshake and read-only afterwards.
	id         string
	negotiated registry.Negotiated
	detach     func()
	coord      *pipeline.Coordinator
	mux        *toolproto.Mux

	ctx    context.Context
	cancel context.CancelFunc

	closeMu     sync.Mutex
	closeReason registry.CloseReason

	workers sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if deps.Transcriber == nil || deps.Responder == nil || deps.Synthesizer == nil {
		return nil, fmt.Errorf("transcriber, responder, and synthesizer are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deviceID := strings.TrimSpace(deps.DeviceID)
	if deviceID == "" {
		deviceID = "unknown"
	}
	cfg := deps.Config.withDefaults()
	logger := deps.Logger.With("device_id", deviceID)
	if deps.RequestID != "" {
		logger = logger.With("request_id", deps.RequestID)
	}

	s := &Session{
		conn:        deps.Conn,
		logger:      logger,
		registry:    deps.Registry,
		transcriber: deps.Transcriber,
		responder:   deps.Responder,
		synthesizer: deps.Synthesizer,
		tools:       deps.Tools,
		deviceID:    deviceID,
		cfg:         cfg,
		writer:      newOutboundWriter(deps.Conn, cfg),
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the connection until it closes. The session record outlives the
// connection and stays resumable until the registry evicts it.
func (s *Session) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.ctx, s.cancel = ctx, cancel
	defer cancel()

	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	go func() {
		if err := s.writer.Run(); err != nil {
			s.logger.Debug("live outbound writer stopped", "error", err)
		}
	}()

	reads := make(chan inboundFrame)
	go s.readLoop(ctx, reads)

	s.setState(StateAwaitingHandshake)
	rest, err := s.awaitHello(ctx, reads)
	if err != nil {
		s.setState(StateClosed)
		return err
	}

	err = s.serve(ctx, reads, rest)
	s.teardown()
	return err
}

func (s *Session) awaitHello(ctx context.Context, reads <-chan inboundFrame) ([]protocol.Message, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.closeTransport(websocket.CloseGoingAway, "")
		return nil, ctx.Err()
	case <-timer.C:
		s.reject(&protocol.DecodeError{Code: "handshake_timeout", Message: "no hello received"})
		return nil, errHandshakeTimeout
	case in, ok := <-reads:
		if !ok {
			return nil, errWriterClosed
		}
		if in.err != nil {
			s.closeTransport(websocket.CloseNormalClosure, "")
			return nil, in.err
		}
		frame, err := protocol.Classify(in.messageType, in.data)
		if err != nil {
			s.reject(err)
			return nil, err
		}
		if frame.Kind == protocol.FrameAudio {
			err := protocol.HandshakeRequired("audio")
			s.reject(err)
			return nil, err
		}
		hello, isHello := frame.Messages[0].(protocol.Hello)
		if !isHello {
			err := protocol.HandshakeRequired(frame.Messages[0].Type())
			s.reject(err)
			return nil, err
		}
		if err := s.handshake(ctx, hello); err != nil {
			s.reject(err)
			return nil, err
		}
		return frame.Messages[1:], nil
	}
}

// handshake resolves or creates the session record, attaches to it, replies,
// and starts the per-session workers.
func (s *Session) handshake(ctx context.Context, hello protocol.Hello) error {
	base := defaultNegotiated()
	var prev *registry.Session
	if id := hello.RequestedSessionID(); id != "" {
		found, err := s.registry.Lookup(id)
		switch {
		case err == nil:
			prev = &found
			base = found.Negotiated
		case errors.Is(err, registry.ErrNotFound):
			s.logger.Info("unknown session id on hello, starting a new session", "requested_session_id", id)
		default:
			return err
		}
	}

	n, err := negotiate(s.cfg, hello, base)
	if err != nil {
		return err
	}

	var rec registry.Session
	if prev != nil {
		rec, err = s.registry.Update(prev.ID, func(r *registry.Session) {
			r.Negotiated = n
			r.DeviceID = s.deviceID
			r.State = StateActive.String()
		})
		if errors.Is(err, registry.ErrNotFound) {
			prev = nil
		} else if err != nil {
			return err
		}
	}
	if prev == nil {
		rec = s.registry.Create(s.deviceID, n, func(r *registry.Session) { r.State = StateActive.String() })
	}

	s.id = rec.ID
	s.negotiated = n
	s.logger = s.logger.With("session_id", s.id)

	coord, err := pipeline.New(s.cfg.Pipeline, pipeline.Dependencies{
		SessionID:   s.id,
		AudioParams: n.AudioParams,
		Transcriber: s.transcriber,
		Responder:   s.responder,
		Synthesizer: s.synthesizer,
		Emitter:     s,
		Logger:      s.logger,
	})
	if err != nil {
		return err
	}
	s.coord = coord
	s.mux = toolproto.New(ctx, s.cfg.Tools, s.tools, s.sendMCP, s.logger)

	detach, err := s.registry.Attach(s.id, registry.Handle{
		Close:  s.closeWith,
		Notify: s.notify,
		Warn:   s.warn,
	})
	if err != nil {
		s.mux.Close()
		return err
	}
	s.detach = detach

	reply := protocol.NewHelloReply(s.id, n.Version, n.Transport, n.Features, n.AudioParams)
	if err := s.send(ctx, reply, true); err != nil {
		s.mux.Close()
		detach()
		return err
	}
	s.setState(StateActive)
	s.logger.Info("live session started",
		"resumed", prev != nil,
		"format", n.AudioParams.Format,
		"sample_rate", n.AudioParams.SampleRate,
		"frame_duration", n.AudioParams.FrameDuration,
		"mcp", n.Features.MCP,
	)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("pipeline stopped", "error", err)
		}
	}()

	if n.Features.MCP {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.discoverDeviceTools(ctx)
		}()
	}
	return nil
}

func (s *Session) serve(ctx context.Context, reads <-chan inboundFrame, pending []protocol.Message) error {
	for _, msg := range pending {
		if err := protocol.Dispatch(s, msg); err != nil {
			return s.endOf(err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.writer.Done():
			return errWriterClosed
		case in, ok := <-reads:
			if !ok {
				return nil
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return nil
				}
				return in.err
			}
			if err := s.handleFrame(ctx, in); err != nil {
				return s.endOf(err)
			}
		}
	}
}

func (s *Session) endOf(err error) error {
	if errors.Is(err, errGoodbye) || errors.Is(err, pipeline.ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) handleFrame(ctx context.Context, in inboundFrame) error {
	s.registry.Touch(s.id)

	frame, err := protocol.Classify(in.messageType, in.data)
	if err != nil {
		return s.reportError(ctx, err)
	}
	if frame.Kind == protocol.FrameAudio {
		return s.coord.PushAudio(ctx, frame.Audio)
	}
	for _, msg := range frame.Messages {
		if err := protocol.Dispatch(s, msg); err != nil {
			return err
		}
	}
	return nil
}

// teardown stops the session's workers and releases the registry record.
func (s *Session) teardown() {
	if s.State() != StateClosing {
		s.setState(StateClosing)
	}
	s.cancel()
	if s.mux != nil {
		s.mux.Close()
	}
	s.workers.Wait()

	reason := s.reason()
	code := websocket.CloseNormalClosure
	if reason != "" {
		code = websocket.CloseGoingAway
		_ = s.sendNow(protocol.ErrorNotice(s.id, string(reason), closeMessage(reason)))
	}
	s.closeTransport(code, string(reason))

	if reason != registry.ReasonSuperseded {
		_, _ = s.registry.Update(s.id, func(r *registry.Session) { r.State = "detached" })
	}
	if s.detach != nil {
		s.detach()
	}
	s.setState(StateClosed)
	s.logger.Info("live session closed", "reason", string(reason))
}

func closeMessage(reason registry.CloseReason) string {
	switch reason {
	case registry.ReasonSuperseded:
		return "session taken over by a newer connection"
	case registry.ReasonEvicted:
		return "session expired"
	case registry.ReasonShutdown:
		return "server is shutting down"
	default:
		return string(reason)
	}
}

// reject reports a handshake failure and closes with a policy violation.
func (s *Session) reject(err error) {
	code, message := errorDetails(err)
	s.setState(StateClosing)
	_ = s.sendNow(protocol.ErrorNotice("", code, message))
	s.closeTransport(websocket.ClosePolicyViolation, code)
	s.setState(StateClosed)
	s.logger.Info("live handshake rejected", "code", code, "error", err)
}

// closeTransport hands the close to the writer and waits for it to finish.
func (s *Session) closeTransport(code int, text string) {
	s.writer.Close(code, text)
	timer := time.NewTimer(2 * s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-s.writer.Done():
	case <-timer.C:
		_ = s.conn.Close()
	}
}

func errorDetails(err error) (code, message string) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return de.Code, de.Error()
	}
	return "internal_error", err.Error()
}

func (s *Session) reportError(ctx context.Context, err error) error {
	code, message := errorDetails(err)
	s.logger.Debug("live protocol error", "code", code, "error", err)
	return s.send(ctx, protocol.ErrorNotice(s.id, code, message), true)
}

// closeWith is the registry's close callback. It may run on any goroutine.
func (s *Session) closeWith(reason registry.CloseReason) {
	s.closeMu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.closeMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) reason() registry.CloseReason {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeReason
}

func (s *Session) notify(msg protocol.Message) error {
	if sys, ok := msg.(protocol.System); ok && sys.SessionID == "" {
		sys.SessionID = s.id
		msg = sys
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.send(ctx, msg, false)
}

func (s *Session) warn(code, message string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.send(ctx, protocol.System{SessionID: s.id, Command: protocol.CommandWarning, Code: code, Message: message}, true)
}

func (s *Session) send(ctx context.Context, msg protocol.Message, priority bool) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.writer.enqueue(ctx, outboundFrame{messageType: websocket.TextMessage, payload: payload}, priority)
}

// sendNow queues a priority message for the final flush, without waiting
// on the session context.
func (s *Session) sendNow(msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return s.send(ctx, msg, true)
}

func (s *Session) sendMCP(ctx context.Context, payload json.RawMessage) error {
	return s.send(ctx, protocol.MCP{SessionID: s.id, Payload: payload}, false)
}

func (s *Session) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if !s.deliver(ctx, out, inboundFrame{messageType: messageType, data: data}) {
			return
		}
	}
}

// deliver hands f to the session loop. Pongs are only processed inside
// ReadMessage, so while the loop applies backpressure the read deadline is
// extended here instead.
func (s *Session) deliver(ctx context.Context, out chan<- inboundFrame, f inboundFrame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	tick := time.NewTicker(max(s.cfg.ReadTimeout/2, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		case <-tick.C:
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
	}
}

// discoverDeviceTools asks an MCP-capable device for its tools.
func (s *Session) discoverDeviceTools(ctx context.Context) {
	if _, err := s.mux.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "robot-console", "version": "1"},
	}); err != nil {
		s.logger.Info("device mcp initialize failed", "error", err)
		return
	}
	res, err := s.mux.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		s.logger.Info("device tools/list failed", "error", err)
		return
	}
	var listed struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(res, &listed); err != nil {
		s.logger.Info("device tools/list returned an unexpected result", "error", err)
		return
	}
	names := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		names = append(names, t.Name)
	}
	s.logger.Info("device tools discovered", "tools", names)
}
