package protocol

import (
	"bytes"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

type FrameKind int

const (
	FrameControl FrameKind = iota + 1
	FrameAudio
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Frame is one classified transport frame. Control frames carry one or more
// decoded messages (text frames may hold several newline-delimited objects);
// audio frames carry the raw payload untouched.
type Frame struct {
	Kind     FrameKind
	Messages []Message
	Audio    []byte
}

// Classify separates structured control messages from binary audio. A text
// frame holding a single JSON value decodes as one message, whatever its
// layout; otherwise it is split on newlines and fails as a whole if any line
// does not decode.
func Classify(messageType int, data []byte) (Frame, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return Frame{Kind: FrameAudio, Audio: data}, nil
	case websocket.TextMessage:
	default:
		return Frame{}, unsupported("unsupported websocket frame type", "")
	}

	if whole := bytes.TrimSpace(data); len(whole) > 0 && gjson.ValidBytes(whole) {
		msg, err := Decode(whole)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameControl, Messages: []Message{msg}}, nil
	}

	var msgs []Message
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			return Frame{}, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return Frame{}, badRequest("empty control frame", "")
	}
	return Frame{Kind: FrameControl, Messages: msgs}, nil
}
