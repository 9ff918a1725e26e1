// Package toolproto multiplexes the JSON-RPC 2.0 tool protocol over a live
// session's control channel.
//
// Requests from the device are tracked by id until the tool registry answers or
// the call times out. Requests issued by the server wait for the device's
// response with the same id. Responses nobody waits for are logged and dropped.
package toolproto

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

const DefaultCallTimeout = 15 * time.Second

// Sender writes one JSON-RPC payload to the device.
type Sender func(ctx context.Context, payload json.RawMessage) error

type Config struct {
	CallTimeout time.Duration
}

type Mux struct {
	cfg    Config
	tools  core.ToolRegistry
	send   Sender
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inbound  map[string]time.Time
	outbound map[string]*outboundCall
	nextID   int64
	wg       sync.WaitGroup
}

type outboundCall struct {
	method   string
	issuedAt time.Time
	done     chan Message
}

func New(ctx context.Context, cfg Config, tools core.ToolRegistry, send Sender, logger *slog.Logger) *Mux {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Mux{
		cfg:      cfg,
		tools:    tools,
		send:     send,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(map[string]time.Time),
		outbound: make(map[string]*outboundCall),
	}
}

// HandleInbound processes one payload received from the device. Protocol
// violations are answered with error responses; the returned error is only a
// failure to write to the device.
func (m *Mux) HandleInbound(payload json.RawMessage) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return m.reply(errorResponse(nil, newRPCError(CodeParseError, "Parse error", "")))
	}

	switch {
	case msg.IsRequest():
		return m.handleRequest(msg)
	case msg.IsResponse():
		m.handleResponse(msg)
		return nil
	default:
		return m.reply(errorResponse(msg.ID, newRPCError(CodeInvalidRequest, "Invalid Request", "invalid_request")))
	}
}

func (m *Mux) handleRequest(msg Message) error {
	if msg.JSONRPC != Version {
		return m.reply(errorResponse(msg.ID, newRPCError(CodeInvalidRequest, "Invalid Request", "invalid_request")))
	}
	if len(msg.ID) == 0 {
		m.dispatchNotification(msg)
		return nil
	}
	key, ok := idKey(msg.ID)
	if !ok {
		return m.reply(errorResponse(nil, newRPCError(CodeInvalidRequest, "Invalid Request", "invalid_request")))
	}

	m.mu.Lock()
	if _, dup := m.inbound[key]; dup {
		m.mu.Unlock()
		m.logger.Warn("tool-protocol duplicate request id", "id", string(msg.ID), "method", msg.Method)
		return m.reply(errorResponse(msg.ID, newRPCError(CodeInvalidRequest, "Duplicate request id", "duplicate_id")))
	}
	m.inbound[key] = m.now()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.resolve(key, msg)
	return nil
}

type callResult struct {
	result json.RawMessage
	err    error
}

func (m *Mux) call(ctx context.Context, method string, params json.RawMessage) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		if m.tools == nil {
			out <- callResult{err: ErrUnknownMethod}
			return
		}
		res, err := m.tools.Call(ctx, method, params)
		out <- callResult{result: res, err: err}
	}()
	return out
}

func (m *Mux) resolve(key string, req Message) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
	defer cancel()

	var resp Message
	select {
	case r := <-m.call(ctx, req.Method, req.Params):
		resp = resultResponse(req.ID, r)
	case <-ctx.Done():
		if m.ctx.Err() != nil {
			m.forgetInbound(key)
			return
		}
		m.logger.Warn("tool-protocol request timed out", "id", string(req.ID), "method", req.Method, "timeout", m.cfg.CallTimeout)
		resp = errorResponse(req.ID, newRPCError(CodeTimeout, "Request timed out", "timeout"))
	}

	m.forgetInbound(key)
	if err := m.reply(resp); err != nil {
		m.logger.Debug("tool-protocol response not delivered", "id", string(req.ID), "error", err)
	}
}

func resultResponse(id json.RawMessage, r callResult) Message {
	if r.err == nil {
		return response(id, r.result)
	}
	var rpcErr *RPCError
	switch {
	case errors.As(r.err, &rpcErr):
		return errorResponse(id, rpcErr)
	case errors.Is(r.err, ErrUnknownMethod):
		return errorResponse(id, newRPCError(CodeMethodNotFound, "Method not found", "unknown_method"))
	case errors.Is(r.err, context.DeadlineExceeded):
		return errorResponse(id, newRPCError(CodeTimeout, "Request timed out", "timeout"))
	default:
		return errorResponse(id, &RPCError{Code: CodeInternalError, Message: r.err.Error()})
	}
}

func (m *Mux) dispatchNotification(msg Message) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CallTimeout)
		defer cancel()
		select {
		case r := <-m.call(ctx, msg.Method, msg.Params):
			if r.err != nil && !errors.Is(r.err, ErrUnknownMethod) {
				m.logger.Debug("tool-protocol notification failed", "method", msg.Method, "error", r.err)
			}
		case <-ctx.Done():
		}
	}()
}

func (m *Mux) forgetInbound(key string) {
	m.mu.Lock()
	delete(m.inbound, key)
	m.mu.Unlock()
}

func (m *Mux) handleResponse(msg Message) {
	key, ok := idKey(msg.ID)
	if !ok {
		m.logger.Warn("tool-protocol response without usable id dropped", "id", string(msg.ID))
		return
	}
	m.mu.Lock()
	call := m.outbound[key]
	delete(m.outbound, key)
	m.mu.Unlock()

	if call == nil {
		m.logger.Warn("tool-protocol response for unknown id dropped", "id", string(msg.ID))
		return
	}
	call.done <- msg
}

// Call issues a request to the device and waits for its response. On timeout
// the pending entry is dropped and ErrTimeout returned; there is no retry.
func (m *Mux) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		rawParams = b
	}

	m.mu.Lock()
	m.nextID++
	id := json.RawMessage(strconv.FormatInt(m.nextID, 10))
	key, _ := idKey(id)
	call := &outboundCall{method: method, issuedAt: m.now(), done: make(chan Message, 1)}
	m.outbound[key] = call
	m.mu.Unlock()

	if err := m.reply(Message{JSONRPC: Version, ID: id, Method: method, Params: rawParams}); err != nil {
		m.dropOutbound(key)
		return nil, err
	}

	timer := time.NewTimer(m.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-call.done:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		m.dropOutbound(key)
		m.logger.Warn("tool-protocol call unanswered; dropping", "id", string(id), "method", method, "timeout", m.cfg.CallTimeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.dropOutbound(key)
		return nil, ctx.Err()
	case <-m.ctx.Done():
		m.dropOutbound(key)
		return nil, ErrClosed
	}
}

func (m *Mux) dropOutbound(key string) {
	m.mu.Lock()
	delete(m.outbound, key)
	m.mu.Unlock()
}

// Pending reports outstanding inbound and outbound calls.
func (m *Mux) Pending() (inbound, outbound int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbound), len(m.outbound)
}

// Close cancels in-flight dispatches and fails outstanding Calls with ErrClosed.
func (m *Mux) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Mux) reply(msg Message) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.send(m.ctx, payload)
}
