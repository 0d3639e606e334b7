// Package extractor calls the external AI extraction service that turns
// document text into structured fields with a confidence score.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"docflow/internal/services/httpjson"
	"docflow/pkg/api"
)

// Result is one extraction response: the structured fields the service
// found plus its confidence in them, on a 0..100 scale.
type Result struct {
	Fields     map[string]string `json:"fields"`
	Confidence int               `json:"confidence"`
}

// Config configures the extraction client.
type Config struct {
	// BaseURL of the extraction service, without trailing slash.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// RequestsPerSecond caps outbound calls client-side so routine load
	// does not trip the service's rate limiter. Zero disables the cap.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client is a rate-limited JSON client for the extraction service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds an extraction client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extractor: base URL is required")
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

type extractRequest struct {
	Text string `json:"text"`
}

// Extract submits text and returns the structured result. Errors carry a
// fault kind: deadline breaches are timeouts, 429s are rate limited, other
// 4xx are validation failures, everything else is transient.
func (c *Client) Extract(ctx context.Context, text string) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// rate.Wait fails when the context ends or when the wait would
			// outlive its deadline; either way the deadline is the cause
			// unless the caller cancelled outright.
			kind := api.FaultTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				kind = api.FaultTransient
			}
			return nil, api.NewFault(kind, "extract", err)
		}
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}
	raw, _, err := httpjson.SendJSON(ctx, c.http, c.baseURL+"/v1/extract", extractRequest{Text: text}, headers, c.logger)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, api.NewFault(api.FaultTransient, "extract", fmt.Errorf("decode response: %w", err))
	}
	return &res, nil
}
