package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"appforge/internal/fault"
)

// GeminiConfig configures the Gemini generation client.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gemini generates text with the Google GenAI API. Each call is bounded
// by the configured timeout and retried once with backoff on transient
// upstream failure.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger

	// retryDelay is shortened in tests.
	retryDelay time.Duration
}

// NewGemini creates the client.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-pro-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{
		client:     client,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		logger:     logger,
		retryDelay: 2 * time.Second,
	}, nil
}

// Generate runs one prompt through the model. Upstream failures surface
// as transient faults after the single local retry is exhausted.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	const op = "model.Generate"

	text, err := g.generateOnce(ctx, prompt)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fault.New(fault.KindTransient, op, ctx.Err())
	}

	g.logger.Warn("model call failed, retrying once", zap.Error(err))
	select {
	case <-ctx.Done():
		return "", fault.New(fault.KindTransient, op, ctx.Err())
	case <-time.After(g.retryDelay):
	}

	text, err = g.generateOnce(ctx, prompt)
	if err != nil {
		return "", fault.New(fault.KindTransient, op, err)
	}
	return text, nil
}

func (g *Gemini) generateOnce(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.client.Models.GenerateContent(callCtx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", errors.New("model returned empty response")
	}
	return text, nil
}
