package llm

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/legitrack/legitrack/internal/telemetry"
)

const reinforcement = "\n\nIMPORTANT: your previous answer was not valid JSON for the required schema. " +
	"Respond with a single JSON object exactly matching the format above. Do not add markdown, " +
	"commentary, or any field not listed."

// Client issues generation calls through a Provider using the validated
// prompt registry, parses responses against the kind's schema, and retries
// malformed responses a bounded number of times with reinforced formatting
// instructions.
type Client struct {
	provider   Provider
	registry   *Registry
	model      string
	fallback   string
	maxRetries int
	tracker    *telemetry.CostTracker
	logger     *log.Logger
}

// NewClient builds a Client. maxRetries counts additional attempts after the
// first call; maxRetries < 0 is treated as 0.
func NewClient(provider Provider, registry *Registry, model, fallback string, maxRetries int, tracker *telemetry.CostTracker, logger *log.Logger) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &Client{
		provider:   provider,
		registry:   registry,
		model:      model,
		fallback:   fallback,
		maxRetries: maxRetries,
		tracker:    tracker,
		logger:     logger,
	}
}

func (c *Client) generate(ctx context.Context, kind Kind, prompt string) (string, error) {
	raw, in, out, err := c.provider.GenerateWithTokens(ctx, prompt, c.model, nil)
	if err != nil && c.fallback != "" && c.fallback != c.model {
		c.logger.Printf("model %s failed (%v), trying fallback %s", c.model, err, c.fallback)
		raw, in, out, err = c.provider.GenerateWithTokens(ctx, prompt, c.fallback, nil)
	}
	if err != nil {
		telemetry.GenerationRequests.WithLabelValues(string(kind), "error").Inc()
		return "", err
	}
	telemetry.GenerationRequests.WithLabelValues(string(kind), "ok").Inc()
	telemetry.GenerationTokens.WithLabelValues("input").Add(float64(in))
	telemetry.GenerationTokens.WithLabelValues("output").Add(float64(out))
	if c.tracker != nil {
		c.tracker.Add(c.model, c.provider.CalculateCost(in, out, c.model), in+out)
	}
	return raw, nil
}

// invoke renders the prompt for kind, calls the provider, and parses with
// parse. On a malformed response it retries with the reinforcement appended.
func (c *Client) invoke(ctx context.Context, kind Kind, args map[string]string, parse func(string) error) error {
	prompt, err := c.registry.Render(kind, args)
	if err != nil {
		return err
	}
	attemptPrompt := prompt
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			telemetry.GenerationRetries.Inc()
			attemptPrompt = prompt + reinforcement
		}
		raw, err := c.generate(ctx, kind, attemptPrompt)
		if err != nil {
			return err
		}
		if err := parse(raw); err != nil {
			if errors.Is(err, ErrMalformedResponse) {
				c.logger.Printf("%s attempt %d: %v", kind, attempt+1, err)
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: retries exhausted: %w", kind, lastErr)
}

// Summarize issues one summarization call for the given kind.
func (c *Client) Summarize(ctx context.Context, kind Kind, args map[string]string) (SummaryResponse, error) {
	if kind == KindImpact {
		return SummaryResponse{}, fmt.Errorf("kind %s is not a summarization kind", kind)
	}
	var resp SummaryResponse
	err := c.invoke(ctx, kind, args, func(raw string) error {
		parsed, err := ParseSummary(raw)
		if err != nil {
			return err
		}
		resp = parsed
		return nil
	})
	return resp, err
}

// AssessImpact issues one impact assessment call.
func (c *Client) AssessImpact(ctx context.Context, args map[string]string) (ImpactResponse, error) {
	var resp ImpactResponse
	err := c.invoke(ctx, KindImpact, args, func(raw string) error {
		parsed, err := ParseImpact(raw)
		if err != nil {
			return err
		}
		resp = parsed
		return nil
	})
	return resp, err
}

// ProviderEmbedder adapts a Provider's Embed method to the fragment.Embedder
// contract for a fixed embedding model.
type ProviderEmbedder struct {
	Provider Provider
	Model    string
}

func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.Provider.Embed(ctx, e.Model, texts)
}
