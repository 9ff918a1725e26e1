package core

import (
	"context"
	"encoding/json"
)

// Audio is one buffered utterance handed to a Transcriber.
type Audio struct {
	Data []byte
	// Frames holds the device's frames in arrival order when the format is
	// packetized (opus). Data is their concatenation.
	Frames     [][]byte
	Format     string
	SampleRate int
	Channels   int
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session's running conversation.
type Turn struct {
	Role Role
	Text string
}

// Reply is the Responder's answer. Emotion is empty when the model gave none.
type Reply struct {
	Text    string
	Emotion string
}

// SpeechRequest asks a Synthesizer for audio matching the session's output shape.
type SpeechRequest struct {
	Text       string
	Format     string
	SampleRate int
	Channels   int
}

// Speech is synthesized audio. Frames is set by providers that already emit
// codec packets; otherwise Audio holds one contiguous stream.
type Speech struct {
	Audio      []byte
	Frames     [][]byte
	Format     string
	SampleRate int
	Channels   int
}

// Transcriber converts audio into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Responder produces the next conversational turn.
type Responder interface {
	Name() string
	Respond(ctx context.Context, history []Turn) (Reply, error)
}

// Synthesizer converts text into audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SpeechRequest) (Speech, error)
}

// ToolRegistry resolves tool-protocol calls. Implementations return a
// JSON-RPC error value (see toolproto.RPCError) when the call itself failed.
type ToolRegistry interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}
