package stt

import (
	"context"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

// Static returns the same transcript for every non-empty utterance. It is the
// offline transcriber used in development.
type Static struct {
	Text string
}

func (Static) Name() string { return "static" }

func (s Static) Transcribe(_ context.Context, audio core.Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", nil
	}
	return s.Text, nil
}
