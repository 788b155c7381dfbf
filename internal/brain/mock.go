package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter produces deterministic local replies when no backend is
// configured. Useful for development and tests.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	select {
	case <-ctx.Done():
		return GenerateResponse{}, ctx.Err()
	default:
	}

	input := strings.TrimSpace(req.InputText)
	if input == "" {
		input = "that"
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return GenerateResponse{Text: fmt.Sprintf("Let's look at %s together.", input)}, nil
	}
	return GenerateResponse{Text: fmt.Sprintf("Good question about %s. Let's look at %s together.", topic, input)}, nil
}
