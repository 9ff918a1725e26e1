package tts

import (
	"context"
	"strings"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

// Silence renders PCM silence sized to the text, roughly PerWord for each
// word. It is the offline synthesizer used in development.
type Silence struct {
	PerWord time.Duration
}

func (Silence) Name() string { return "silence" }

func (s Silence) Synthesize(_ context.Context, req core.SpeechRequest) (core.Speech, error) {
	perWord := s.PerWord
	if perWord <= 0 {
		perWord = 300 * time.Millisecond
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 1
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		return core.Speech{Format: "pcm", SampleRate: rate, Channels: channels}, nil
	}
	ms := int(perWord/time.Millisecond) * words
	size := FrameBytes("pcm", rate, channels, ms)
	return core.Speech{
		Audio:      make([]byte, size),
		Format:     "pcm",
		SampleRate: rate,
		Channels:   channels,
	}, nil
}
