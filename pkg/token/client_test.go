package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

func TestClientFetchSuccess(t *testing.T) {
	expires := time.Now().Add(time.Hour).Unix()

	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(MintResponse{
			Success:        true,
			EphemeralToken: "ek_test_123",
			SessionID:      "sess_abc",
			ExpiresAt:      expires,
			Model:          realtime.DefaultModel,
			Voice:          "alloy",
		})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	g, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("mint called with %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if g.EphemeralToken != "ek_test_123" {
		t.Errorf("EphemeralToken = %q, want %q", g.EphemeralToken, "ek_test_123")
	}
	if g.SessionID != "sess_abc" {
		t.Errorf("SessionID = %q, want %q", g.SessionID, "sess_abc")
	}
	if g.Model != realtime.DefaultModel {
		t.Errorf("Model = %q, want %q", g.Model, realtime.DefaultModel)
	}
	if g.ExpiresAt.Unix() != expires {
		t.Errorf("ExpiresAt = %v, want unix %d", g.ExpiresAt, expires)
	}
	if g.Expired() {
		t.Error("grant with a future expiry reports Expired")
	}
}

func TestClientFetchForwardsRequestConfig(t *testing.T) {
	var got MintRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(MintResponse{Success: true, EphemeralToken: "ek"})
	}))
	defer srv.Close()

	temp := 1.0
	c, err := NewClient(ClientConfig{
		Endpoint: srv.URL,
		Request: MintRequest{
			FeedbackInstructions: "Shorter feedback.",
			FeedbackTemperature:  &temp,
			FeedbackModel:        "gpt-4o-realtime-preview",
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if got.FeedbackInstructions != "Shorter feedback." {
		t.Errorf("feedbackInstructions = %q", got.FeedbackInstructions)
	}
	if got.FeedbackTemperature == nil || *got.FeedbackTemperature != 1.0 {
		t.Errorf("feedbackTemperature = %v, want 1.0", got.FeedbackTemperature)
	}
	if got.FeedbackModel != "gpt-4o-realtime-preview" {
		t.Errorf("feedbackModel = %q", got.FeedbackModel)
	}
}

func TestClientFetchAuthFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{
			name:   "success false",
			status: http.StatusOK,
			body:   `{"success":false,"error":"Authentication failed","message":"Authentication failed with OpenAI"}`,
		},
		{
			name:   "non-2xx",
			status: http.StatusUnauthorized,
			body:   `{"success":false,"error":"Authentication failed"}`,
		},
		{
			name:   "server error with unreadable body",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
		},
		{
			name:   "success without a token",
			status: http.StatusOK,
			body:   `{"success":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(ClientConfig{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}

			g, err := c.Fetch(context.Background())
			if !errors.Is(err, realtime.ErrAuthFailure) {
				t.Errorf("Fetch error = %v, want ErrAuthFailure", err)
			}
			if g != nil {
				t.Errorf("Fetch returned a grant alongside the error: %+v", g)
			}
		})
	}
}

func TestClientFetchRespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(MintResponse{Success: true, EphemeralToken: "ek"})
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Fetch(ctx); err == nil {
		t.Error("Fetch with an expired context should fail")
	}
}

func TestClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient without an endpoint should fail")
	}
}
