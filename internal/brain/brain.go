// Package brain provides the response generators a live session can talk to.
package brain

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/ent0n29/geminilive/internal/live"
)

const (
	ModeAuto   = "auto"
	ModeCanned = "canned"
	ModeGemini = "gemini"
	ModeHTTP   = "http"
)

// Config controls generator construction.
type Config struct {
	Mode           string
	GeminiAPIKey   string
	GeminiModel    string
	GeminiPrompt   string
	GeminiBaseURL  string
	HTTPURL        string
	CannedMinDelay time.Duration
	CannedMaxDelay time.Duration
}

// Provider hands out a generator for each session.
type Provider struct {
	mode   string
	gemini *Gemini
	http   *HTTP
	minDel time.Duration
	maxDel time.Duration
	// seed feeds canned generators; zero derives a seed from the session id.
	seed uint64
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		switch {
		case strings.TrimSpace(cfg.GeminiAPIKey) != "":
			mode = ModeGemini
		case strings.TrimSpace(cfg.HTTPURL) != "":
			mode = ModeHTTP
		default:
			mode = ModeCanned
		}
	}

	p := &Provider{mode: mode, minDel: cfg.CannedMinDelay, maxDel: cfg.CannedMaxDelay}
	switch mode {
	case ModeCanned:
		if p.minDel == 0 && p.maxDel == 0 {
			p.minDel, p.maxDel = DefaultCannedMinDelay, DefaultCannedMaxDelay
		}
	case ModeGemini:
		g, err := NewGemini(ctx, GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.GeminiPrompt,
			BaseURL:      cfg.GeminiBaseURL,
		})
		if err != nil {
			return nil, err
		}
		p.gemini = g
	case ModeHTTP:
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		p.http = NewHTTP(cfg.HTTPURL)
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
	return p, nil
}

// Mode reports the resolved generator mode.
func (p *Provider) Mode() string { return p.mode }

// ForSession returns the generator used by one session.
func (p *Provider) ForSession(sessionID string) live.ResponseGenerator {
	switch p.mode {
	case ModeGemini:
		return p.gemini
	case ModeHTTP:
		return p.http.ForSession(sessionID)
	default:
		seed := p.seed
		if seed == 0 {
			h := fnv.New64a()
			_, _ = h.Write([]byte(sessionID))
			seed = h.Sum64()
		}
		return NewCanned(p.minDel, p.maxDel, seed)
	}
}
