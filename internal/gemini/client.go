package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Per-attempt budgets. The request timeout bounds a single attempt;
	// the resource timeout is the hard ceiling on the whole exchange
	// including connection setup. Timeouts never span model fallbacks.
	requestTimeout  = 60 * time.Second
	resourceTimeout = 120 * time.Second

	// maxRetries is retries per model, so up to 4 attempts each.
	maxRetries = 3
)

// DefaultModels is the fallback chain, most capable first.
var DefaultModels = []string{
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Doer abstracts the HTTP transport so retry behavior is testable.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the generateContent endpoint across an ordered list of
// candidate models with retry, backoff and fallback. Safe for concurrent use.
type Client struct {
	apiKey       string
	models       []string
	systemPrompt string
	baseURL      string
	httpClient   Doer
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
	tracer       trace.Tracer
	meter        metric.Meter
}

// NewClient creates a completion client. models must be non-empty and is
// tried in order.
func NewClient(apiKey string, models []string, systemPrompt string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	if len(models) == 0 {
		models = DefaultModels
	}
	return &Client{
		apiKey:       apiKey,
		models:       models,
		systemPrompt: systemPrompt,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: resourceTimeout},
		sleep:        sleepContext,
		logger:       logger,
		tracer:       tracer,
		meter:        meter,
	}
}

// Complete sends the conversation to the first model that answers. Models are
// tried in order; transient faults and 429s are retried with exponential
// backoff, 404 advances to the next model, any other 4xx is fatal. A
// cancelled ctx aborts immediately with ctx.Err() and no further attempts.
func (c *Client) Complete(ctx context.Context, contents []Content) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gemini_complete")
	defer span.End()

	reqBody := GenerateRequest{
		Contents: contents,
		GenerationConfig: &GenerationConfig{
			Temperature: 0.7,
			TopP:        0.95,
			TopK:        40,
		},
	}
	if c.systemPrompt != "" {
		sys := TextContent("", c.systemPrompt)
		reqBody.SystemInstruction = &sys
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for _, model := range c.models {
		text, err := c.completeModel(ctx, model, payload)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		kind, ok := KindOf(err)
		if !ok {
			// Not classified: propagate as-is (marshal faults etc.).
			return "", err
		}
		switch kind {
		case KindRateLimited, KindModelUnavailable, KindTransient:
			// Fall through to the next candidate model.
			lastErr = err
			c.logger.Warn("model failed, trying next candidate", "model", model, "error", err)
		default:
			// ClientFault, ParseFailure, Blocked, NoText: fatal.
			return "", err
		}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", &APIError{Kind: KindTransient, Message: "all models failed"}
}

// completeModel runs the retry loop for a single model. Errors returned with
// Kind RateLimited, ModelUnavailable or Transient mean "this model is done,
// try the next"; everything else is terminal.
func (c *Client) completeModel(ctx context.Context, model string, payload []byte) (string, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		start := time.Now()
		status, body, err := c.doAttempt(ctx, model, payload)
		c.recordDuration(ctx, time.Since(start))

		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// Timeout, DNS failure, connection refused/lost.
			c.logger.Warn("request failed", "model", model, "attempt", attempt, "error", err)
			if attempt < maxRetries {
				if serr := c.backoff(ctx, model, attempt); serr != nil {
					return "", serr
				}
				continue
			}
			return "", &APIError{Kind: KindTransient, Model: model, Message: err.Error()}
		}

		switch {
		case status == http.StatusOK:
			text, exErr := ExtractText(body)
			if exErr != nil {
				// A malformed success body is an extractor problem,
				// not a transient one. No retry, no fallback.
				return "", exErr
			}
			c.recordUsage(ctx, body)
			c.logger.Info("completion succeeded", "model", model, "attempts", attempt+1)
			return text, nil

		case status == http.StatusTooManyRequests:
			c.logger.Warn("rate limited", "model", model, "attempt", attempt)
			if attempt < maxRetries {
				if serr := c.backoff(ctx, model, attempt); serr != nil {
					return "", serr
				}
				continue
			}
			return "", &APIError{Kind: KindRateLimited, Model: model, StatusCode: status, Message: "rate limit exceeded"}

		case status == http.StatusNotFound:
			// Model does not exist on this endpoint; retrying is pointless.
			c.logger.Warn("model not found", "model", model)
			return "", &APIError{Kind: KindModelUnavailable, Model: model, StatusCode: status, Message: "model not found"}

		case status >= 500:
			c.logger.Warn("server error", "model", model, "attempt", attempt, "status", status)
			if attempt < maxRetries {
				if serr := c.backoff(ctx, model, attempt); serr != nil {
					return "", serr
				}
				continue
			}
			return "", &APIError{Kind: KindTransient, Model: model, StatusCode: status, Message: "server error"}

		default:
			// Remaining 4xx: bad request, auth failure. Fatal for the
			// whole operation, not just this model.
			return "", &APIError{Kind: KindClientFault, Model: model, StatusCode: status, Message: bodySnippet(body)}
		}
	}
	return "", &APIError{Kind: KindTransient, Model: model, Message: "retries exhausted"}
}

// doAttempt performs one HTTP exchange under the per-attempt timeout.
func (c *Client) doAttempt(ctx context.Context, model string, payload []byte) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// backoff sleeps the schedule delay for attempt, aborting on cancellation.
func (c *Client) backoff(ctx context.Context, model string, attempt int) error {
	delay := backoffDelay(attempt)
	c.logger.Info("backing off before retry", "model", model, "attempt", attempt, "delay", delay)
	c.recordRetry(ctx)
	return c.sleep(ctx, delay)
}

func (c *Client) recordDuration(ctx context.Context, d time.Duration) {
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(d.Milliseconds()))
	}
}

func (c *Client) recordRetry(ctx context.Context) {
	counter, err := c.meter.Int64Counter(
		"llm.request.retries",
		metric.WithDescription("Number of completion retries"),
	)
	if err == nil {
		counter.Add(ctx, 1)
	}
}

// recordUsage emits llm.usage.* counters from the response's usageMetadata.
func (c *Client) recordUsage(ctx context.Context, body []byte) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.UsageMetadata == nil {
		return
	}
	for key, value := range resp.UsageMetadata {
		intVal, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := c.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			c.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(intVal))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func bodySnippet(body []byte) string {
	const maxLen = 200
	s := string(body)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
