package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gcastellani/mentora/internal/reliability"
)

// HTTPAdapter forwards generation requests to an HTTP backend.
type HTTPAdapter struct {
	url    string
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *HTTPAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// Keep the status machine-readable so the circuit breaker can
		// classify 429/5xx as backend distress.
		return GenerateResponse{}, &reliability.StatusError{
			Status:  res.StatusCode,
			Message: fmt.Sprintf("brain http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var out GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return GenerateResponse{}, fmt.Errorf("empty brain response")
		}
		return GenerateResponse{Text: text}, nil
	}
	if strings.TrimSpace(out.Text) == "" {
		return GenerateResponse{}, fmt.Errorf("brain response missing text")
	}
	return out, nil
}
