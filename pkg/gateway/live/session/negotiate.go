package session

import (
	"slices"
	"strings"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
)

var (
	defaultFormats        = []string{"opus", "pcm", "mp3", "wav"}
	defaultFrameDurations = []int{10, 20, 40, 60, 80, 100, 120}
)

// defaultNegotiated is what a client that sends an empty hello gets.
func defaultNegotiated() registry.Negotiated {
	return registry.Negotiated{
		Version:     protocol.DefaultVersion,
		Transport:   protocol.DefaultTransport,
		AudioParams: protocol.DefaultAudioParams(),
	}
}

func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "pcm16", "pcm_s16le", "s16le":
		return "pcm"
	}
	return f
}

// negotiate applies the client's hello on top of base. base is the defaults
// for a new session and the previous negotiation for a resumed one, so
// omitted fields keep their base value. Features are the client's request
// masked by what the server supports.
func negotiate(cfg Config, hello protocol.Hello, base registry.Negotiated) (registry.Negotiated, error) {
	out := base

	if hello.Version != nil {
		out.Version = *hello.Version
	}
	if hello.Transport != nil {
		t := strings.ToLower(strings.TrimSpace(*hello.Transport))
		if t != "" && t != protocol.DefaultTransport {
			return registry.Negotiated{}, &protocol.DecodeError{Code: "unsupported", Message: "unsupported transport", Param: "transport"}
		}
		out.Transport = protocol.DefaultTransport
	}

	if f := hello.Features; f != nil {
		if f.AEC != nil {
			out.Features.AEC = *f.AEC
		}
		if f.MCP != nil {
			out.Features.MCP = *f.MCP
		}
	}
	out.Features.AEC = out.Features.AEC && cfg.Features.AEC
	out.Features.MCP = out.Features.MCP && cfg.Features.MCP

	if ap := hello.AudioParams; ap != nil {
		if ap.Format != nil {
			format := normalizeFormat(*ap.Format)
			if !slices.Contains(cfg.Formats, format) {
				return registry.Negotiated{}, &protocol.DecodeError{Code: "unsupported", Message: "unsupported audio format " + *ap.Format, Param: "audio_params.format"}
			}
			out.AudioParams.Format = format
		}
		if ap.SampleRate != nil {
			if *ap.SampleRate <= 0 {
				return registry.Negotiated{}, &protocol.DecodeError{Code: "bad_request", Message: "sample_rate must be > 0", Param: "audio_params.sample_rate"}
			}
			out.AudioParams.SampleRate = *ap.SampleRate
		}
		if ap.Channels != nil {
			if *ap.Channels <= 0 {
				return registry.Negotiated{}, &protocol.DecodeError{Code: "bad_request", Message: "channels must be > 0", Param: "audio_params.channels"}
			}
			out.AudioParams.Channels = *ap.Channels
		}
		if ap.FrameDuration != nil {
			if !slices.Contains(cfg.FrameDurations, *ap.FrameDuration) {
				return registry.Negotiated{}, &protocol.DecodeError{Code: "unsupported", Message: "unsupported frame_duration", Param: "audio_params.frame_duration"}
			}
			out.AudioParams.FrameDuration = *ap.FrameDuration
		}
	}
	return out, nil
}
