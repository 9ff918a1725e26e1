package tts

import (
	"strings"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

// Nominal mp3 bitrate used to size frames, in bits/s.
const mp3NominalBitrate = 64000

// FrameBytes returns how many payload bytes cover frameMs of audio in format.
// PCM is exact (16-bit samples) and mp3 uses a nominal bitrate. Opus is
// packetized and cannot be cut by size, so it reports 0.
func FrameBytes(format string, sampleRate, channels, frameMs int) int {
	if frameMs <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pcm", "pcm16", "pcm_s16le", "wav":
		if sampleRate <= 0 {
			return 0
		}
		return sampleRate * channels * 2 * frameMs / 1000
	case "mp3":
		return mp3NominalBitrate / 8 * frameMs / 1000
	default:
		return 0
	}
}

// Chunk splits speech into binary frames no longer than one frame duration,
// preserving order. Provider-framed speech is passed through as is, and an
// Ogg Opus stream is split into its packets.
func Chunk(s core.Speech, frameMs int) [][]byte {
	if len(s.Frames) > 0 {
		out := make([][]byte, 0, len(s.Frames))
		for _, f := range s.Frames {
			if len(f) > 0 {
				out = append(out, f)
			}
		}
		return out
	}
	if len(s.Audio) == 0 {
		return nil
	}
	if oggopus.IsOgg(s.Audio) {
		if packets, err := oggopus.Packets(s.Audio); err == nil {
			return packets
		}
	}
	size := FrameBytes(s.Format, s.SampleRate, s.Channels, frameMs)
	if size <= 0 || size >= len(s.Audio) {
		return [][]byte{s.Audio}
	}
	out := make([][]byte, 0, (len(s.Audio)+size-1)/size)
	for start := 0; start < len(s.Audio); start += size {
		end := start + size
		if end > len(s.Audio) {
			end = len(s.Audio)
		}
		out = append(out, s.Audio[start:end])
	}
	return out
}
