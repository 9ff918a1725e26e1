package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	TypeHello   = "hello"
	TypeListen  = "listen"
	TypeSTT     = "stt"
	TypeLLM     = "llm"
	TypeTTS     = "tts"
	TypeMCP     = "mcp"
	TypeSystem  = "system"
	TypeAbort   = "abort"
	TypeGoodbye = "goodbye"
)

const (
	DefaultVersion       = 3
	DefaultTransport     = "websocket"
	DefaultFormat        = "opus"
	DefaultSampleRate    = 48000
	DefaultChannels      = 1
	DefaultFrameDuration = 20
)

const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"

	CommandError   = "error"
	CommandWarning = "warning"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// HandshakeRequired reports a frame that arrived before the hello exchange completed.
func HandshakeRequired(got string) *DecodeError {
	return &DecodeError{Code: "handshake_required", Message: "expected hello before " + got, Param: "type"}
}

// Features is the negotiated capability set.
type Features struct {
	AEC bool `json:"aec"`
	MCP bool `json:"mcp"`
}

// AudioParams governs how binary frames are interpreted in both directions.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

func DefaultAudioParams() AudioParams {
	return AudioParams{
		Format:        DefaultFormat,
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		FrameDuration: DefaultFrameDuration,
	}
}

// Message is the closed set of structured control messages. Every variant is
// declared in this file; Dispatch routes each one to the matching Handler method.
type Message interface {
	Type() string
	accept(h Handler) error
}

// Handler has one method per Message variant. Adding a variant breaks every
// Handler implementation until it is handled.
type Handler interface {
	OnHello(Hello) error
	OnListen(Listen) error
	OnSTT(STT) error
	OnLLM(LLM) error
	OnTTS(TTS) error
	OnMCP(MCP) error
	OnSystem(System) error
	OnAbort(Abort) error
	OnGoodbye(Goodbye) error
}

func Dispatch(h Handler, msg Message) error {
	if msg == nil {
		return badRequest("nil message", "")
	}
	return msg.accept(h)
}

type HelloFeatures struct {
	AEC *bool `json:"aec,omitempty"`
	MCP *bool `json:"mcp,omitempty"`
}

type HelloAudioParams struct {
	Format        *string `json:"format,omitempty"`
	SampleRate    *int    `json:"sample_rate,omitempty"`
	Channels      *int    `json:"channels,omitempty"`
	FrameDuration *int    `json:"frame_duration,omitempty"`
}

// Hello is both the handshake request and its reply. Request fields are
// optional; replies built with NewHelloReply populate every field.
type Hello struct {
	Version     *int              `json:"version,omitempty"`
	Transport   *string           `json:"transport,omitempty"`
	Features    *HelloFeatures    `json:"features,omitempty"`
	AudioParams *HelloAudioParams `json:"audio_params,omitempty"`
	SessionID   *string           `json:"session_id"`
}

func NewHelloReply(sessionID string, version int, transport string, features Features, audio AudioParams) Hello {
	return Hello{
		Version:   &version,
		Transport: &transport,
		Features: &HelloFeatures{
			AEC: &features.AEC,
			MCP: &features.MCP,
		},
		AudioParams: &HelloAudioParams{
			Format:        &audio.Format,
			SampleRate:    &audio.SampleRate,
			Channels:      &audio.Channels,
			FrameDuration: &audio.FrameDuration,
		},
		SessionID: &sessionID,
	}
}

// RequestedSessionID returns the trimmed session id, or "" when absent.
func (h Hello) RequestedSessionID() string {
	if h.SessionID == nil {
		return ""
	}
	return strings.TrimSpace(*h.SessionID)
}

type Listen struct {
	SessionID string  `json:"session_id,omitempty"`
	State     string  `json:"state"`
	Mode      string  `json:"mode,omitempty"`
	Text      *string `json:"text,omitempty"`
}

// InlineText returns the bypass text and whether one was supplied.
func (l Listen) InlineText() (string, bool) {
	if l.Text == nil {
		return "", false
	}
	text := strings.TrimSpace(*l.Text)
	return text, text != ""
}

type STT struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type LLM struct {
	SessionID string  `json:"session_id"`
	Emotion   *string `json:"emotion"`
	Text      string  `json:"text"`
}

type TTS struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
}

// MCP carries one JSON-RPC 2.0 message in Payload.
type MCP struct {
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type System struct {
	SessionID string `json:"session_id,omitempty"`
	Command   string `json:"command"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type Abort struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Goodbye struct {
	SessionID string `json:"session_id,omitempty"`
}

func (Hello) Type() string   { return TypeHello }
func (Listen) Type() string  { return TypeListen }
func (STT) Type() string     { return TypeSTT }
func (LLM) Type() string     { return TypeLLM }
func (TTS) Type() string     { return TypeTTS }
func (MCP) Type() string     { return TypeMCP }
func (System) Type() string  { return TypeSystem }
func (Abort) Type() string   { return TypeAbort }
func (Goodbye) Type() string { return TypeGoodbye }

func (m Hello) accept(h Handler) error   { return h.OnHello(m) }
func (m Listen) accept(h Handler) error  { return h.OnListen(m) }
func (m STT) accept(h Handler) error     { return h.OnSTT(m) }
func (m LLM) accept(h Handler) error     { return h.OnLLM(m) }
func (m TTS) accept(h Handler) error     { return h.OnTTS(m) }
func (m MCP) accept(h Handler) error     { return h.OnMCP(m) }
func (m System) accept(h Handler) error  { return h.OnSystem(m) }
func (m Abort) accept(h Handler) error   { return h.OnAbort(m) }
func (m Goodbye) accept(h Handler) error { return h.OnGoodbye(m) }

// ErrorNotice builds the system notification used for every reported error.
func ErrorNotice(sessionID, code, message string) System {
	return System{SessionID: sessionID, Command: CommandError, Code: code, Message: message}
}

// Decode parses one JSON control message and validates the fields its
// variant requires.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, badRequest("invalid json frame", "")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, badRequest("control message must be an object", "")
	}
	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || strings.TrimSpace(typ.Str) == "" {
		return nil, badRequest("missing type", "type")
	}

	switch strings.TrimSpace(typ.Str) {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := validateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeListen:
		var msg Listen
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid listen frame", "")
		}
		msg.State = strings.ToLower(strings.TrimSpace(msg.State))
		switch msg.State {
		case ListenStart, ListenStop, ListenDetect:
		case "":
			return nil, badRequest("listen.state is required", "state")
		default:
			return nil, unsupported("unsupported listen state", "state")
		}
		return msg, nil
	case TypeSTT:
		var msg STT
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stt frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("stt.text is required", "text")
		}
		return msg, nil
	case TypeLLM:
		var msg LLM
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid llm frame", "")
		}
		return msg, nil
	case TypeTTS:
		var msg TTS
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tts frame", "")
		}
		return msg, nil
	case TypeMCP:
		var msg MCP
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mcp frame", "")
		}
		if !root.Get("payload").IsObject() {
			return nil, badRequest("mcp.payload must be an object", "payload")
		}
		return msg, nil
	case TypeSystem:
		var msg System
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid system frame", "")
		}
		if strings.TrimSpace(msg.Command) == "" {
			return nil, badRequest("system.command is required", "command")
		}
		return msg, nil
	case TypeAbort:
		var msg Abort
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid abort frame", "")
		}
		return msg, nil
	case TypeGoodbye:
		var msg Goodbye
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid goodbye frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func validateHello(msg Hello) error {
	if msg.Version != nil && *msg.Version <= 0 {
		return badRequest("hello.version must be > 0", "version")
	}
	if msg.Transport != nil {
		switch strings.ToLower(strings.TrimSpace(*msg.Transport)) {
		case "", DefaultTransport:
		default:
			return unsupported("unsupported transport", "transport")
		}
	}
	if ap := msg.AudioParams; ap != nil {
		if ap.SampleRate != nil && *ap.SampleRate <= 0 {
			return badRequest("hello.audio_params.sample_rate must be > 0", "audio_params.sample_rate")
		}
		if ap.Channels != nil && *ap.Channels <= 0 {
			return badRequest("hello.audio_params.channels must be > 0", "audio_params.channels")
		}
		if ap.FrameDuration != nil && *ap.FrameDuration <= 0 {
			return badRequest("hello.audio_params.frame_duration must be > 0", "audio_params.frame_duration")
		}
	}
	return nil
}

// Encode marshals msg with its type discriminant.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Hello:
		return json.Marshal(struct {
			Type string `json:"type"`
			Hello
		}{TypeHello, m})
	case Listen:
		return json.Marshal(struct {
			Type string `json:"type"`
			Listen
		}{TypeListen, m})
	case STT:
		return json.Marshal(struct {
			Type string `json:"type"`
			STT
		}{TypeSTT, m})
	case LLM:
		return json.Marshal(struct {
			Type string `json:"type"`
			LLM
		}{TypeLLM, m})
	case TTS:
		return json.Marshal(struct {
			Type string `json:"type"`
			TTS
		}{TypeTTS, m})
	case MCP:
		return json.Marshal(struct {
			Type string `json:"type"`
			MCP
		}{TypeMCP, m})
	case System:
		return json.Marshal(struct {
			Type string `json:"type"`
			System
		}{TypeSystem, m})
	case Abort:
		return json.Marshal(struct {
			Type string `json:"type"`
			Abort
		}{TypeAbort, m})
	case Goodbye:
		return json.Marshal(struct {
			Type string `json:"type"`
			Goodbye
		}{TypeGoodbye, m})
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
}
