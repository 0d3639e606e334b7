// Package httpjson is the shared JSON-over-HTTP transport for the external
// service clients. It tags every request with an id for log correlation and
// maps response status codes onto the pipeline's fault taxonomy.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"docflow/pkg/api"
)

// SendJSON posts a JSON body to url and returns the raw response body and
// status code. Callers decide the URL and headers; transport-level failures
// come back as faults already classified for retry decisions.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, logger *slog.Logger) ([]byte, int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}

	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encode json: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debug("http_request", "req_id", reqID, "url", url, "bytes", len(bs))

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("http_send_error",
			"req_id", reqID, "url", url, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, 0, api.NewFault(api.FaultTimeout, url, err)
		}
		return nil, 0, api.NewFault(api.FaultTransient, url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	logger.Debug("http_response",
		"req_id", reqID, "status", resp.StatusCode, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, statusFault(url, resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

// statusFault maps an HTTP status onto the fault taxonomy: 429 is rate
// limited, 404 is not found, other 4xx are validation failures, everything
// else is transient.
func statusFault(op string, status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return api.NewFault(api.FaultRateLimited, op, err)
	case status == http.StatusNotFound:
		return api.NewFault(api.FaultNotFound, op, err)
	case status >= 400 && status < 500:
		return api.NewFault(api.FaultValidation, op, err)
	default:
		return api.NewFault(api.FaultTransient, op, err)
	}
}
