// Package token provisions ephemeral Realtime API credentials.
//
// Clients must never hold the real OpenAI API key, so a small mint service
// exchanges it for a short-lived session token: the mint validates the
// requested model and temperature, creates the session upstream, and hands
// back the client secret. Client fetches a Grant from a deployed mint.
package token

import (
	"strings"
	"time"
)

// DefaultSessionsURL is the OpenAI endpoint that mints ephemeral sessions.
const DefaultSessionsURL = "https://api.openai.com/v1/realtime/sessions"

// Temperature bounds the mint accepts; anything outside falls back to the
// default rather than failing the request.
const (
	MinTemperature     = 0.6
	MaxTemperature     = 1.2
	DefaultTemperature = 0.8
)

// Only the realtime-preview models can do direct speech-to-speech; any
// other requested model silently falls back to the configured default.
var supportedModels = []string{
	"gpt-4o-realtime-preview-2024-10-01",
	"gpt-4o-realtime-preview-2024-12-17",
	"gpt-4o-realtime-preview",
}

// SupportedModels returns the models the mint will provision.
func SupportedModels() []string {
	return append([]string(nil), supportedModels...)
}

func isSupportedModel(model string) bool {
	for _, m := range supportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// MintRequest is the optional dynamic configuration a client may send.
// FeedbackTemperature is a pointer so "absent" and "zero" stay distinct.
type MintRequest struct {
	FeedbackInstructions string   `json:"feedbackInstructions,omitempty"`
	GradeInstructions    string   `json:"gradeInstructions,omitempty"`
	FeedbackTemperature  *float64 `json:"feedbackTemperature,omitempty"`
	FeedbackModel        string   `json:"feedbackModel,omitempty"`
}

// CustomConfig echoes back which parts of the request were honored.
type CustomConfig struct {
	FeedbackInstructions bool    `json:"feedbackInstructions"`
	GradeInstructions    bool    `json:"gradeInstructions"`
	FeedbackTemperature  float64 `json:"feedbackTemperature"`
	FeedbackModel        string  `json:"feedbackModel"`
}

// MintResponse is the mint's wire format, for both success and failure.
type MintResponse struct {
	Success             bool          `json:"success"`
	EphemeralToken      string        `json:"ephemeralToken,omitempty"`
	SessionID           string        `json:"sessionId,omitempty"`
	ExpiresAt           int64         `json:"expiresAt,omitempty"`
	Model               string        `json:"model,omitempty"`
	Voice               string        `json:"voice,omitempty"`
	Temperature         float64       `json:"temperature,omitempty"`
	InstructionsLength  int           `json:"instructionsLength,omitempty"`
	CustomConfiguration *CustomConfig `json:"customConfiguration,omitempty"`
	Error               string        `json:"error,omitempty"`
	Details             string        `json:"details,omitempty"`
	Message             string        `json:"message,omitempty"`
}

// Grant is a short-lived credential for connecting directly to the
// Realtime API, typically as the bearer token of a WebRTC session.
type Grant struct {
	EphemeralToken string
	SessionID      string
	ExpiresAt      time.Time
	Model          string
	Voice          string
}

// Expired reports whether the grant's lifetime has passed. Grants without
// an expiry never expire client-side.
func (g *Grant) Expired() bool {
	return !g.ExpiresAt.IsZero() && time.Now().After(g.ExpiresAt)
}

// DefaultInstructions is the coaching prompt used when the request carries
// no custom instructions.
const DefaultInstructions = `You are an expert de-escalation training coach. Your role is to:

1. Listen to the user's de-escalation attempt
2. Provide immediate constructive feedback
3. Grade their performance on a scale of 1-10
4. Offer specific guidance for improvement

Focus on these key de-escalation skills:
- Tone and voice modulation
- Active listening and empathy
- Calm and confident demeanor
- Clear communication
- Safety awareness
- Conflict resolution techniques

CRITICAL: You MUST always include a numerical grade in your response using this exact format:
**Rating: X/10** (where X is a number from 1-10)

Example response:
"Your approach showed good empathy and calm tone. You maintained good communication throughout.

**Rating: 7/10**

For improvement: Try to be more confident in your delivery and provide specific next steps for the situation."

Always provide constructive feedback that helps users improve their de-escalation skills.`

const gradingDirective = `CRITICAL: You MUST always include a numerical grade in your response using this exact format:
**Rating: X/10** (where X is a number from 1-10)

`

const coachingFramework = `Focus on these key de-escalation skills:
- Tone and voice modulation
- Active listening and empathy
- Calm and confident demeanor
- Clear communication
- Safety awareness
- Conflict resolution techniques

Always provide constructive feedback that helps users improve their de-escalation skills.`

// BuildInstructions composes the session prompt from optional custom
// feedback and grading instructions. With neither, DefaultInstructions is
// used. The grading format directive is always present in some form — the
// feedback extractor depends on it.
func BuildInstructions(feedbackInstructions, gradeInstructions string) string {
	fi := strings.TrimSpace(feedbackInstructions)
	gi := strings.TrimSpace(gradeInstructions)
	if fi == "" && gi == "" {
		return DefaultInstructions
	}

	var b strings.Builder
	b.WriteString("You are an expert de-escalation training coach.\n\n")
	if fi != "" {
		b.WriteString("FEEDBACK INSTRUCTIONS:\n")
		b.WriteString(fi)
		b.WriteString("\n\n")
	}
	if gi != "" {
		b.WriteString("GRADING INSTRUCTIONS:\n")
		b.WriteString(gi)
		b.WriteString("\n\n")
	} else {
		b.WriteString(gradingDirective)
	}
	if fi == "" {
		b.WriteString(coachingFramework)
	}
	return b.String()
}
