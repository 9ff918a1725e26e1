// Package upstream builds the provider clients a gateway talks to from
// configuration.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/llm"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/stt"
	"github.com/digkill/MediaRise-Robot-Console/pkg/core/voice/tts"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/config"
)

const (
	openAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenAIChat = "gpt-4o-mini"
)

type Factory struct {
	HTTPClient *http.Client
}

// NewHTTPClient is the client shared by every provider.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

func (f Factory) client() *http.Client {
	if f.HTTPClient == nil {
		return &http.Client{}
	}
	return f.HTTPClient
}

func (f Factory) Transcriber(cfg config.STTConfig) (core.Transcriber, error) {
	switch cfg.Provider {
	case "whisper":
		return stt.NewWhisper(stt.WhisperConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, f.client()), nil
	case "static":
		return stt.Static{Text: cfg.StaticText}, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}

func (f Factory) Responder(ctx context.Context, cfg config.LLMConfig) (core.Responder, error) {
	switch cfg.Provider {
	case "grok":
		return llm.NewChat(llm.ChatConfig{
			Name:         "grok",
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		}, f.client())
	case "openai":
		// The grok defaults are meaningless against OpenAI.
		baseURL, model := cfg.BaseURL, cfg.Model
		if baseURL == "" || baseURL == llm.DefaultGrokBaseURL {
			baseURL = openAIBaseURL
		}
		if model == "" || model == llm.DefaultGrokModel {
			model = defaultOpenAIChat
		}
		return llm.NewChat(llm.ChatConfig{
			Name:         "openai",
			APIKey:       cfg.APIKey,
			BaseURL:      baseURL,
			Model:        model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		}, f.client())
	case "gemini":
		baseURL, model := cfg.BaseURL, cfg.Model
		if baseURL == llm.DefaultGrokBaseURL {
			baseURL = ""
		}
		if model == llm.DefaultGrokModel {
			model = ""
		}
		return llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      baseURL,
			Model:        model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
			Temperature:  cfg.Temperature,
		}, f.client())
	case "echo":
		return llm.Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func (f Factory) Synthesizer(cfg config.TTSConfig) (core.Synthesizer, error) {
	switch cfg.Provider {
	case "openai":
		return tts.NewOpenAI(tts.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Voice:   cfg.Voice,
			Format:  cfg.AudioFormat,
		}, f.client()), nil
	case "silence":
		return tts.Silence{}, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}
