package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/oggopus"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "tts-1"
	DefaultVoice   = "alloy"

	// The speech endpoint always renders raw PCM at this rate.
	openAIPCMSampleRate = 24000
	// Opus is always decoded at 48 kHz.
	opusSampleRate = 48000
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	// Format forces the output format; empty follows the session's format.
	Format string
}

// OpenAI synthesizes speech with an OpenAI-compatible /audio/speech endpoint.
type OpenAI struct {
	client openai.Client
	model  string
	voice  string
	format string
}

func NewOpenAI(cfg OpenAIConfig, httpClient *http.Client) *OpenAI {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/audio/speech")
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
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = DefaultVoice
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
		voice:  voice,
		format: strings.ToLower(strings.TrimSpace(cfg.Format)),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Synthesize(ctx context.Context, req core.SpeechRequest) (core.Speech, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return core.Speech{}, fmt.Errorf("openai speech: empty text")
	}
	format := o.format
	if format == "" {
		format = req.Format
	}
	responseFormat, outFormat := responseFormatFor(format)

	res, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return core.Speech{}, core.NewProviderError(o.Name(), "speech", err)
	}
	defer res.Body.Close()

	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return core.Speech{}, core.NewProviderError(o.Name(), "speech", err)
	}
	speech := core.Speech{Audio: audio, Format: outFormat, Channels: 1}
	switch outFormat {
	case "pcm":
		speech.SampleRate = openAIPCMSampleRate
	case "opus":
		// Devices expect bare packets, one per websocket frame.
		packets, err := oggopus.Packets(audio)
		if err != nil {
			return core.Speech{}, core.NewProviderError(o.Name(), "speech", err)
		}
		speech.Audio = nil
		speech.Frames = packets
		speech.SampleRate = opusSampleRate
	}
	return speech, nil
}

// responseFormatFor maps a session format to the speech API's output format.
func responseFormatFor(format string) (openai.AudioSpeechNewParamsResponseFormat, string) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pcm", "pcm16":
		return openai.AudioSpeechNewParamsResponseFormatPCM, "pcm"
	case "mp3":
		return openai.AudioSpeechNewParamsResponseFormatMP3, "mp3"
	case "wav":
		return openai.AudioSpeechNewParamsResponseFormatWAV, "wav"
	default:
		return openai.AudioSpeechNewParamsResponseFormatOpus, "opus"
	}
}
