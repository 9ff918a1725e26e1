package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

func TestWhisper_UploadsWAVAndTrimsText(t *testing.T) {
	var gotName, gotModel, gotLang string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		gotName = hdr.Filename
		gotFile, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  hello robot  "}`))
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIKey: "sk-test", BaseURL: srv.URL, Language: "ru"}, srv.Client())
	text, err := w.Transcribe(context.Background(), core.Audio{Data: make([]byte, 320), Format: "pcm", SampleRate: 16000, Channels: 1})
	require.NoError(t, err)

	assert.Equal(t, "hello robot", text)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "ru", gotLang)
	assert.Equal(t, "audio.wav", gotName)
	require.Len(t, gotFile, 44+320)
	assert.Equal(t, "RIFF", string(gotFile[:4]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(gotFile[24:28]))
}

func TestWhisper_ServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad audio","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIKey: "sk-test", BaseURL: srv.URL + "/audio/transcriptions"}, srv.Client())
	_, err := w.Transcribe(context.Background(), core.Audio{Data: []byte("RIFF....")})
	require.Error(t, err)
	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "whisper", pe.Provider)
}

func TestPrepareUpload(t *testing.T) {
	data, c, err := prepareUpload(core.Audio{Data: []byte("OggS\x00rest")})
	require.NoError(t, err)
	assert.Equal(t, "audio.ogg", c.name)
	assert.Equal(t, []byte("OggS\x00rest"), data)

	_, c, err = prepareUpload(core.Audio{Data: []byte("ID3\x04")})
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", c.contentType)

	data, c, err = prepareUpload(core.Audio{Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, "audio.wav", c.name)
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]))
}

func TestPrepareUpload_OpusPacketsAreMuxedIntoOgg(t *testing.T) {
	frames := [][]byte{{0x78, 0xaa, 0xbb}, {0x78, 0xcc}}
	data, c, err := prepareUpload(core.Audio{
		Data:       bytes.Join(frames, nil),
		Frames:     frames,
		Format:     "opus",
		SampleRate: 16000,
		Channels:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, "audio.ogg", c.name)
	assert.Equal(t, "audio/ogg", c.contentType)
	require.True(t, bytes.HasPrefix(data, []byte("OggS")), "upload must be an ogg stream")
	assert.NotEqual(t, "RIFF", string(data[:4]))

	packets, err := oggopus.Packets(data)
	require.NoError(t, err)
	assert.Equal(t, frames, packets)
}

func TestWhisper_UploadsOpusAsOgg(t *testing.T) {
	var gotName string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		gotName = hdr.Filename
		gotFile, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"privet"}`))
	}))
	defer srv.Close()

	w := NewWhisper(WhisperConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	frames := [][]byte{{0x78, 0x01}, {0x78, 0x02}}
	text, err := w.Transcribe(context.Background(), core.Audio{
		Data: bytes.Join(frames, nil), Frames: frames, Format: "opus", SampleRate: 16000, Channels: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "privet", text)
	assert.Equal(t, "audio.ogg", gotName)
	assert.Equal(t, "OggS", string(gotFile[:4]))
}

func TestStatic(t *testing.T) {
	s := Static{Text: "hi"}
	got, err := s.Transcribe(context.Background(), core.Audio{Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	got, err = s.Transcribe(context.Background(), core.Audio{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
