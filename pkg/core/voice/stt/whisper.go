// Package stt holds the Transcriber adapters.
package stt

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "whisper-1"
)

type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// Whisper transcribes utterances with an OpenAI-compatible
// /audio/transcriptions endpoint.
type Whisper struct {
	client   openai.Client
	model    string
	language string
}

func NewWhisper(cfg WhisperConfig, httpClient *http.Client) *Whisper {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/audio/transcriptions")
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Whisper{
		client:   openai.NewClient(opts...),
		model:    model,
		language: strings.TrimSpace(cfg.Language),
	}
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) Transcribe(ctx context.Context, audio core.Audio) (string, error) {
	data, file, err := prepareUpload(audio)
	if err != nil {
		return "", core.NewProviderError(w.Name(), "transcribe", err)
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), file.name, file.contentType),
		Model: openai.AudioModel(w.model),
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", core.NewProviderError(w.Name(), "transcribe", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// prepareUpload passes containerized audio through, muxes Opus packets into
// Ogg and wraps anything else as 16-bit PCM at the negotiated rate.
func prepareUpload(audio core.Audio) ([]byte, container, error) {
	opus := strings.EqualFold(strings.TrimSpace(audio.Format), "opus")
	if !opus || len(audio.Frames) == 0 {
		if c, ok := sniffContainer(audio.Data); ok {
			return audio.Data, c, nil
		}
	}
	rate := audio.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := audio.Channels
	if channels <= 0 {
		channels = 1
	}
	if opus {
		packets := audio.Frames
		if len(packets) == 0 {
			packets = [][]byte{audio.Data}
		}
		muxed, err := oggopus.Mux(packets, rate, channels)
		if err != nil {
			return nil, container{}, err
		}
		return muxed, container{"audio.ogg", "audio/ogg"}, nil
	}
	return pcmToWAV(audio.Data, rate, channels), container{"audio.wav", "audio/wav"}, nil
}
