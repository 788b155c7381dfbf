package brain

import (
	"context"
	"errors"
	"strings"
)

// GenerateRequest is the normalized request sent to the tutoring backend.
type GenerateRequest struct {
	SessionID     string   `json:"session_id"`
	TurnID        string   `json:"turn_id"`
	Topic         string   `json:"topic,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	InputText     string   `json:"input_text"`
	ContextLines  []string `json:"context_lines,omitempty"`
	DialogState   string   `json:"dialog_state,omitempty"`
	CurrentPlan   string   `json:"current_plan,omitempty"`
}

// GenerateResponse is the backend's answer for one turn.
type GenerateResponse struct {
	Text string `json:"text"`
}

// Adapter bridges the orchestration engine with the generation backend.
type Adapter interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	HTTPURL string
}

// NewAdapter picks an adapter by mode: "http" requires a URL, "mock" is
// deterministic and local, "auto" prefers HTTP when a URL is configured.
func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP URL is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, errors.New("invalid brain mode: expected auto|http|mock")
	}
}
