package tts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

func TestFrameBytes(t *testing.T) {
	assert.Equal(t, 640, FrameBytes("pcm", 16000, 1, 20))
	assert.Equal(t, 3840, FrameBytes("PCM16", 48000, 2, 20))
	assert.Equal(t, 0, FrameBytes("opus", 48000, 1, 20))
	assert.Equal(t, 480, FrameBytes("mp3", 24000, 1, 60))
	assert.Equal(t, 0, FrameBytes("flac", 48000, 1, 20))
	assert.Equal(t, 0, FrameBytes("pcm", 16000, 1, 0))
}

func TestChunk_SplitsInOrder(t *testing.T) {
	audio := make([]byte, 1500)
	for i := range audio {
		audio[i] = byte(i % 251)
	}
	frames := Chunk(core.Speech{Audio: audio, Format: "pcm", SampleRate: 16000, Channels: 1}, 20)
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], 640)
	assert.Len(t, frames[1], 640)
	assert.Len(t, frames[2], 220)
	assert.Equal(t, audio, bytes.Join(frames, nil))
}

func TestChunk_ProviderFramesPassThrough(t *testing.T) {
	frames := Chunk(core.Speech{Frames: [][]byte{{1}, nil, {2, 3}}}, 20)
	assert.Equal(t, [][]byte{{1}, {2, 3}}, frames)
}

func TestChunk_OggOpusSplitsIntoPackets(t *testing.T) {
	packets := [][]byte{bytes.Repeat([]byte{0x78}, 200), {0x78, 0x01}}
	ogg, err := oggopus.Mux(packets, 48000, 1)
	require.NoError(t, err)

	frames := Chunk(core.Speech{Audio: ogg, Format: "opus"}, 20)
	assert.Equal(t, packets, frames)

	// Bare opus without a container is never cut mid-packet.
	raw := bytes.Repeat([]byte{0x78}, 300)
	assert.Equal(t, [][]byte{raw}, Chunk(core.Speech{Audio: raw, Format: "opus"}, 20))
}

func TestChunk_UnknownFormatIsOneFrame(t *testing.T) {
	frames := Chunk(core.Speech{Audio: []byte{1, 2, 3}, Format: "flac"}, 20)
	assert.Equal(t, [][]byte{{1, 2, 3}}, frames)
	assert.Nil(t, Chunk(core.Speech{}, 20))
}
