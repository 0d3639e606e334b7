// Package commerce pushes extracted records to the commerce platform. Every
// push carries an idempotency key derived from the workflow ID, so a
// redelivered sync stage lands on the same remote object instead of creating
// a duplicate.
package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"docflow/internal/records"
	"docflow/internal/services/httpjson"
	"docflow/pkg/api"
)

// Config configures the commerce client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a JSON client for the commerce platform's ingest endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("commerce: base URL is required")
	}
	c := &Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, http: cfg.HTTPClient, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

type pushRequest struct {
	SourceUploadID string            `json:"source_upload_id"`
	Fields         map[string]string `json:"fields"`
	Confidence     int               `json:"confidence"`
}

type pushResponse struct {
	ID string `json:"id"`
}

// Push sends a record and returns the platform's identifier for it. Calling
// Push again with the same idempotency key returns the same identifier.
func (c *Client) Push(ctx context.Context, rec *records.Record, idempotencyKey string) (string, error) {
	headers := map[string]string{
		"Idempotency-Key": idempotencyKey,
	}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	body := pushRequest{
		SourceUploadID: rec.SourceUploadID,
		Fields:         rec.Fields,
		Confidence:     rec.Confidence,
	}
	raw, _, err := httpjson.SendJSON(ctx, c.http, c.baseURL+"/v1/documents", body, headers, c.logger)
	if err != nil {
		return "", fmt.Errorf("push record: %w", err)
	}

	var res pushResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", api.NewFault(api.FaultTransient, "push", fmt.Errorf("decode response: %w", err))
	}
	if res.ID == "" {
		return "", api.NewFault(api.FaultTransient, "push", fmt.Errorf("response missing id"))
	}
	return res.ID, nil
}
