package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultGeminiModel        = "gemini-2.0-flash"
	DefaultGeminiSystemPrompt = "You are Gemini Live, a friendly voice assistant. Answer in one to three short spoken sentences without markdown."
)

var ErrEmptyCandidate = errors.New("gemini returned no text")

type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
}

// Gemini answers queries with the Gemini API.
type Gemini struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiModel
	}
	prompt := strings.TrimSpace(cfg.SystemPrompt)
	if prompt == "" {
		prompt = DefaultGeminiSystemPrompt
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, systemPrompt: prompt}, nil
}

func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Generate(ctx context.Context, query string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(query), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.systemPrompt, genai.RoleUser),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyCandidate
	}
	return text, nil
}
