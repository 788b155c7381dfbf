package brain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gcastellani/mentora/internal/reliability"
)

func TestHTTPAdapterRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.InputText != "what is a fraction" {
			t.Errorf("InputText = %q", req.InputText)
		}
		_ = json.NewEncoder(w).Encode(GenerateResponse{Text: "A fraction is part of a whole."})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL)
	resp, err := a.Generate(context.Background(), GenerateRequest{InputText: "what is a fraction"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "A fraction is part of a whole." {
		t.Fatalf("Text = %q", resp.Text)
	}
}

func TestHTTPAdapterSurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL)
	_, err := a.Generate(context.Background(), GenerateRequest{InputText: "q"})
	var se *reliability.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want StatusError", err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want 429", se.Status)
	}
	if !reliability.IsBackendDistress(err) {
		t.Fatalf("429 should classify as backend distress")
	}
}

func TestHTTPAdapterPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text reply"))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL)
	resp, err := a.Generate(context.Background(), GenerateRequest{InputText: "q"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "plain text reply" {
		t.Fatalf("Text = %q", resp.Text)
	}
}

func TestNewAdapterModes(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("http mode without URL should fail")
	}
	if _, err := NewAdapter(Config{Mode: "bogus"}); err == nil {
		t.Fatalf("invalid mode should fail")
	}
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("auto mode error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("auto without URL should pick mock, got %T", a)
	}
}
