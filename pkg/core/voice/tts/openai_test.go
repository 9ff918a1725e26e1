package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

func TestOpenAI_SynthesizeFollowsSessionFormat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(make([]byte, 960))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Voice: "nova"}, srv.Client())
	speech, err := o.Synthesize(context.Background(), core.SpeechRequest{Text: "hello", Format: "pcm", SampleRate: 16000})
	require.NoError(t, err)

	assert.Equal(t, "hello", body["input"])
	assert.Equal(t, "tts-1", body["model"])
	assert.Equal(t, "nova", body["voice"])
	assert.Equal(t, "pcm", body["response_format"])
	assert.Len(t, speech.Audio, 960)
	assert.Equal(t, "pcm", speech.Format)
	assert.Equal(t, 24000, speech.SampleRate)
}

func TestOpenAI_ConfiguredFormatWins(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/audio/speech", Format: "MP3"}, srv.Client())
	speech, err := o.Synthesize(context.Background(), core.SpeechRequest{Text: "hi", Format: "opus"})
	require.NoError(t, err)
	assert.Equal(t, "mp3", body["response_format"])
	assert.Equal(t, "mp3", speech.Format)
	assert.Zero(t, speech.SampleRate)
}

func TestOpenAI_OpusResponseIsDemuxedIntoPackets(t *testing.T) {
	packets := [][]byte{{0x78, 0x11, 0x22}, {0x78, 0x33}, {0x78, 0x44, 0x55, 0x66}}
	ogg, err := oggopus.Mux(packets, 48000, 1)
	require.NoError(t, err)

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write(ogg)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	speech, err := o.Synthesize(context.Background(), core.SpeechRequest{Text: "hello", Format: "opus", SampleRate: 16000})
	require.NoError(t, err)

	assert.Equal(t, "opus", body["response_format"])
	assert.Equal(t, "opus", speech.Format)
	assert.Equal(t, 48000, speech.SampleRate)
	assert.Equal(t, packets, speech.Frames)
	assert.Equal(t, packets, Chunk(speech, 60))
}

func TestOpenAI_OpusResponseMustBeOgg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an ogg stream"))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	_, err := o.Synthesize(context.Background(), core.SpeechRequest{Text: "hello", Format: "opus"})
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
}

func TestOpenAI_EmptyTextFails(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := o.Synthesize(context.Background(), core.SpeechRequest{Text: "  "})
	require.Error(t, err)
}

func TestSilence_SizedToText(t *testing.T) {
	s := Silence{}
	speech, err := s.Synthesize(context.Background(), core.SpeechRequest{Text: "one two", SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	// 600ms of 16kHz mono 16-bit PCM
	assert.Len(t, speech.Audio, 19200)
	assert.Equal(t, "pcm", speech.Format)

	frames := Chunk(speech, 60)
	assert.Len(t, frames, 10)
}
