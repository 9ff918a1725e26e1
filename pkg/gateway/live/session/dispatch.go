package session

import (
	"context"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/pipeline"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
)

var (
	_ protocol.Handler = (*Session)(nil)
	_ pipeline.Emitter = (*Session)(nil)
)

// OnHello after the handshake changes nothing and echoes the current state.
func (s *Session) OnHello(protocol.Hello) error {
	n := s.negotiated
	return s.send(s.ctx, protocol.NewHelloReply(s.id, n.Version, n.Transport, n.Features, n.AudioParams), true)
}

func (s *Session) OnListen(msg protocol.Listen) error {
	if text, ok := msg.InlineText(); ok {
		return s.coord.SubmitText(s.ctx, text)
	}
	switch msg.State {
	case protocol.ListenStop:
		return s.coord.Flush(s.ctx)
	case protocol.ListenStart:
		s.logger.Debug("listening window opened", "mode", msg.Mode)
	case protocol.ListenDetect:
		s.logger.Debug("wake word detect without text")
	}
	return nil
}

func (s *Session) OnSTT(msg protocol.STT) error {
	return s.coord.SubmitText(s.ctx, strings.TrimSpace(msg.Text))
}

func (s *Session) OnLLM(protocol.LLM) error {
	return s.reportError(s.ctx, &protocol.DecodeError{Code: "unsupported", Message: "llm messages are only sent by the server", Param: "type"})
}

func (s *Session) OnTTS(msg protocol.TTS) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return s.reportError(s.ctx, &protocol.DecodeError{Code: "bad_request", Message: "tts.text is required", Param: "text"})
	}
	return s.coord.SubmitSpeech(s.ctx, text)
}

func (s *Session) OnMCP(msg protocol.MCP) error {
	return s.mux.HandleInbound(msg.Payload)
}

func (s *Session) OnSystem(protocol.System) error {
	return s.reportError(s.ctx, &protocol.DecodeError{Code: "unsupported", Message: "system messages are only sent by the server", Param: "type"})
}

func (s *Session) OnAbort(msg protocol.Abort) error {
	s.logger.Info("turn aborted by device", "reason", msg.Reason)
	return s.coord.Abort(s.ctx)
}

func (s *Session) OnGoodbye(protocol.Goodbye) error {
	s.setState(StateClosing)
	if err := s.send(s.ctx, protocol.Goodbye{SessionID: s.id}, true); err != nil {
		return err
	}
	return errGoodbye
}

func (s *Session) EmitTranscript(ctx context.Context, text string) error {
	return s.send(ctx, protocol.STT{SessionID: s.id, Text: text}, false)
}

func (s *Session) EmitReply(ctx context.Context, reply core.Reply) error {
	msg := protocol.LLM{SessionID: s.id, Text: reply.Text}
	if e := strings.TrimSpace(reply.Emotion); e != "" {
		msg.Emotion = &e
	}
	return s.send(ctx, msg, false)
}

func (s *Session) EmitAudio(ctx context.Context, frame []byte) error {
	return s.writer.enqueue(ctx, outboundFrame{messageType: websocket.BinaryMessage, payload: frame}, false)
}

func (s *Session) EmitFailure(ctx context.Context, err error) error {
	code := "internal_error"
	if kind, ok := core.StageKindOf(err); ok {
		code = string(kind)
	}
	return s.send(ctx, protocol.ErrorNotice(s.id, code, failureMessage(code)), false)
}

// failureMessage keeps provider details out of what the device sees.
func failureMessage(code string) string {
	switch core.StageKind(code) {
	case core.TranscriptionFailed:
		return "could not transcribe audio"
	case core.EmptyTranscription:
		return "no speech recognized"
	case core.ResponseFailed:
		return "could not generate a reply"
	case core.SynthesisFailed:
		return "could not synthesize speech"
	default:
		return "internal error"
	}
}
