package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

const (
	DefaultGrokBaseURL = "https://api.x.ai/v1"
	DefaultGrokModel   = "grok-4"
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
)

type ChatConfig struct {
	// Name identifies the provider in logs and errors, e.g. "grok".
	Name         string
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Chat answers with an OpenAI-compatible /chat/completions endpoint. Grok and
// OpenAI both speak this API.
type Chat struct {
	client openai.Client
	cfg    ChatConfig
}

func NewChat(cfg ChatConfig, httpClient *http.Client) (*Chat, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is required", cfg.name())
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultGrokBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/chat/completions")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGrokModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Chat{client: openai.NewClient(opts...), cfg: cfg}, nil
}

func (c ChatConfig) name() string {
	if c.Name == "" {
		return "grok"
	}
	return c.Name
}

func (c *Chat) Name() string { return c.cfg.name() }

func (c *Chat) Respond(ctx context.Context, turns []core.Turn) (core.Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:     c.cfg.Model,
		Messages:  chatMessages(c.cfg.SystemPrompt, turns),
		MaxTokens: openai.Int(int64(c.cfg.MaxTokens)),
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return core.Reply{}, core.NewProviderError(c.Name(), "chat", err)
	}
	if len(resp.Choices) == 0 {
		return core.Reply{}, core.NewProviderError(c.Name(), "chat", fmt.Errorf("no choices in response"))
	}
	return ParseReply(resp.Choices[0].Message.Content), nil
}

func chatMessages(systemPrompt string, turns []core.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if p := strings.TrimSpace(systemPrompt); p != "" {
		msgs = append(msgs, openai.SystemMessage(p))
	}
	for _, t := range turns {
		switch t.Role {
		case core.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		default:
			msgs = append(msgs, openai.UserMessage(t.Text))
		}
	}
	return msgs
}
