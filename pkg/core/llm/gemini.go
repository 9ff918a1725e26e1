package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

const DefaultGeminiModel = "gemini-2.5-flash"

type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// Gemini answers with the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig, httpClient *http.Client) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Respond(ctx context.Context, turns []core.Turn) (core.Reply, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, geminiContents(turns), g.generateConfig())
	if err != nil {
		return core.Reply{}, core.NewProviderError(g.Name(), "generate", err)
	}
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	return ParseReply(sb.String()), nil
}

func (g *Gemini) generateConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if p := strings.TrimSpace(g.cfg.SystemPrompt); p != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(p)}}
	}
	if g.cfg.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	if g.cfg.Temperature > 0 {
		t := float32(g.cfg.Temperature)
		cfg.Temperature = &t
	}
	return cfg
}

// geminiContents maps turns onto Gemini roles, merging consecutive turns of
// the same role since the API expects them to alternate.
func geminiContents(turns []core.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == core.RoleAssistant {
			role = "model"
		}
		part := genai.NewPartFromText(t.Text)
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	return out
}
