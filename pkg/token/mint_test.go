package token

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// capturedUpstream records what the mint sent to the sessions endpoint.
type capturedUpstream struct {
	hits    atomic.Int32
	auth    string
	beta    string
	payload map[string]json.RawMessage
}

func openaiStub(t *testing.T, rec *capturedUpstream) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		rec.hits.Add(1)
		rec.auth = r.Header.Get("Authorization")
		rec.beta = r.Header.Get("OpenAI-Beta")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read upstream body: %v", err)
		}
		if err := json.Unmarshal(body, &rec.payload); err != nil {
			t.Errorf("unmarshal upstream body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "sess_up1",
			"model": "` + realtime.DefaultModel + `",
			"voice": "alloy",
			"expires_at": 1756200000,
			"client_secret": {"value": "ek_minted", "expires_at": 1756200000}
		}`))
	}
}

func newMintApp(t *testing.T, upstream http.Handler, mutate func(*MintConfig)) *fiber.App {
	t.Helper()

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	cfg := MintConfig{APIKey: "sk-test", UpstreamURL: up.URL, Timeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMint(cfg)
	if err != nil {
		t.Fatalf("NewMint: %v", err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	m.RegisterRoutes(app)
	return app
}

func postToken(t *testing.T, app *fiber.App, body string) (*http.Response, MintResponse) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/token", reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}

	var mr MintResponse
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if err := json.Unmarshal(raw, &mr); err != nil {
		t.Fatalf("unmarshal response %q: %v", raw, err)
	}
	return resp, mr
}

func TestMintSuccessDefaults(t *testing.T) {
	rec := &capturedUpstream{}
	app := newMintApp(t, openaiStub(t, rec), nil)

	resp, mr := postToken(t, app, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if rec.auth != "Bearer sk-test" {
		t.Errorf("upstream Authorization = %q", rec.auth)
	}
	if rec.beta != "realtime=v1" {
		t.Errorf("upstream OpenAI-Beta = %q", rec.beta)
	}

	// Push-to-talk session payload: explicit null turn_detection, pcm16
	// both ways, whisper transcription.
	if got := string(rec.payload["model"]); got != `"`+realtime.DefaultModel+`"` {
		t.Errorf("upstream model = %s", got)
	}
	td, ok := rec.payload["turn_detection"]
	if !ok || string(td) != "null" {
		t.Errorf("turn_detection = %q, present=%v; want explicit null", td, ok)
	}
	if got := string(rec.payload["input_audio_format"]); got != `"pcm16"` {
		t.Errorf("input_audio_format = %s", got)
	}
	if got := string(rec.payload["temperature"]); got != "0.8" {
		t.Errorf("temperature = %s, want 0.8", got)
	}

	if !mr.Success {
		t.Fatalf("success = false: %+v", mr)
	}
	if mr.EphemeralToken != "ek_minted" {
		t.Errorf("ephemeralToken = %q", mr.EphemeralToken)
	}
	if mr.SessionID != "sess_up1" {
		t.Errorf("sessionId = %q", mr.SessionID)
	}
	if mr.ExpiresAt != 1756200000 {
		t.Errorf("expiresAt = %d", mr.ExpiresAt)
	}
	if mr.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", mr.Temperature, DefaultTemperature)
	}
	if mr.InstructionsLength != len(DefaultInstructions) {
		t.Errorf("instructionsLength = %d, want %d", mr.InstructionsLength, len(DefaultInstructions))
	}
	if mr.CustomConfiguration == nil || mr.CustomConfiguration.FeedbackInstructions {
		t.Errorf("customConfiguration = %+v", mr.CustomConfiguration)
	}
}

func TestMintHonorsCustomConfiguration(t *testing.T) {
	rec := &capturedUpstream{}
	app := newMintApp(t, openaiStub(t, rec), nil)

	body := `{"feedbackInstructions":"Focus on breathing.","feedbackTemperature":1.0,"feedbackModel":"gpt-4o-realtime-preview"}`
	resp, mr := postToken(t, app, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := string(rec.payload["model"]); got != `"gpt-4o-realtime-preview"` {
		t.Errorf("upstream model = %s", got)
	}
	if got := string(rec.payload["temperature"]); got != "1" {
		t.Errorf("upstream temperature = %s, want 1", got)
	}

	var instructions string
	if err := json.Unmarshal(rec.payload["instructions"], &instructions); err != nil {
		t.Fatalf("unmarshal instructions: %v", err)
	}
	if !strings.Contains(instructions, "FEEDBACK INSTRUCTIONS:\nFocus on breathing.") {
		t.Errorf("instructions missing custom feedback:\n%s", instructions)
	}
	if !strings.Contains(instructions, "**Rating: X/10**") {
		t.Errorf("instructions missing grading directive:\n%s", instructions)
	}

	if mr.CustomConfiguration == nil {
		t.Fatal("customConfiguration missing")
	}
	if !mr.CustomConfiguration.FeedbackInstructions || mr.CustomConfiguration.GradeInstructions {
		t.Errorf("customConfiguration = %+v", mr.CustomConfiguration)
	}
	if mr.CustomConfiguration.FeedbackModel != "gpt-4o-realtime-preview" {
		t.Errorf("customConfiguration.feedbackModel = %q", mr.CustomConfiguration.FeedbackModel)
	}
	if mr.Temperature != 1.0 {
		t.Errorf("temperature = %v, want 1.0", mr.Temperature)
	}
}

func TestMintTemperatureBounds(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // upstream JSON literal
	}{
		{"below range falls back", `{"feedbackTemperature":0.5}`, "0.8"},
		{"above range falls back", `{"feedbackTemperature":1.9}`, "0.8"},
		{"lower bound kept", `{"feedbackTemperature":0.6}`, "0.6"},
		{"upper bound kept", `{"feedbackTemperature":1.2}`, "1.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &capturedUpstream{}
			app := newMintApp(t, openaiStub(t, rec), nil)

			resp, _ := postToken(t, app, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if got := string(rec.payload["temperature"]); got != tt.want {
				t.Errorf("upstream temperature = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMintCoercesUnsupportedModel(t *testing.T) {
	rec := &capturedUpstream{}
	app := newMintApp(t, openaiStub(t, rec), nil)

	resp, mr := postToken(t, app, `{"feedbackModel":"gpt-4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := string(rec.payload["model"]); got != `"`+realtime.DefaultModel+`"` {
		t.Errorf("upstream model = %s, want default", got)
	}
	if mr.CustomConfiguration == nil {
		t.Fatal("customConfiguration missing")
	}
	if mr.CustomConfiguration.FeedbackModel != realtime.DefaultModel {
		t.Errorf("customConfiguration.feedbackModel = %q, want default", mr.CustomConfiguration.FeedbackModel)
	}
}

func TestMintRejectsMalformedBody(t *testing.T) {
	rec := &capturedUpstream{}
	app := newMintApp(t, openaiStub(t, rec), nil)

	resp, mr := postToken(t, app, `{"feedbackModel": nope`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if mr.Success {
		t.Error("success = true for a malformed body")
	}
	if mr.Error != "Invalid request body" {
		t.Errorf("error = %q", mr.Error)
	}
	if rec.hits.Load() != 0 {
		t.Errorf("upstream was called %d times for a rejected request", rec.hits.Load())
	}
}

func TestMintMapsUpstreamAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		app := newMintApp(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
		}), nil)

		resp, mr := postToken(t, app, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("upstream %d: status = %d, want 401", status, resp.StatusCode)
		}
		if mr.Success || mr.Message != "Authentication failed with OpenAI" {
			t.Errorf("upstream %d: response = %+v", status, mr)
		}
	}
}

func TestMintMapsUpstreamFailure(t *testing.T) {
	app := newMintApp(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"server exploded"}}`))
	}), nil)

	resp, mr := postToken(t, app, "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if mr.Success {
		t.Error("success = true for an upstream failure")
	}
	if mr.Details != "OpenAI API returned 500" {
		t.Errorf("details = %q", mr.Details)
	}
}

func TestMintMapsUpstreamTimeout(t *testing.T) {
	app := newMintApp(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}), func(cfg *MintConfig) {
		cfg.Timeout = 50 * time.Millisecond
	})

	resp, mr := postToken(t, app, "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if mr.Error != "Request timeout" {
		t.Errorf("error = %q", mr.Error)
	}
}

func TestMintRequiresAPIKey(t *testing.T) {
	if _, err := NewMint(MintConfig{}); err == nil {
		t.Error("NewMint without an API key should fail")
	}
}

func TestMintHealth(t *testing.T) {
	app := newMintApp(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", health["status"])
	}
}
