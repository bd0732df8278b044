package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/calmira-ai/go-calmira/internal/httpc"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// maxResponseBytes bounds how much of a mint response we will read.
const maxResponseBytes = 1 << 20

// ClientConfig configures a mint client.
type ClientConfig struct {
	// Endpoint is the mint service URL, e.g. "https://tokens.example.com/token".
	Endpoint string

	// Request is the optional dynamic configuration sent with each fetch.
	Request MintRequest

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client fetches ephemeral grants from a mint service.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient creates a mint client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("token: endpoint required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}, nil
}

// Fetch requests a fresh grant. A non-2xx status, a success:false body, or
// a body missing the token all count as authentication failures: the
// session cannot be provisioned and the caller should abort, not retry.
func (c *Client) Fetch(ctx context.Context) (*Grant, error) {
	body, err := json.Marshal(c.cfg.Request)
	if err != nil {
		return nil, fmt.Errorf("token: encode request: %w", err)
	}

	resp, err := httpc.Post(ctx, c.cfg.Endpoint, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("token: fetch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("token: read response: %w", err)
	}

	var mr MintResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("token: mint returned %s with unreadable body: %w",
			resp.Status, realtime.ErrAuthFailure)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !mr.Success {
		msg := mr.Message
		if msg == "" {
			msg = mr.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("token: mint refused: %s: %w", msg, realtime.ErrAuthFailure)
	}
	if mr.EphemeralToken == "" {
		return nil, fmt.Errorf("token: mint returned no token: %w", realtime.ErrAuthFailure)
	}

	g := &Grant{
		EphemeralToken: mr.EphemeralToken,
		SessionID:      mr.SessionID,
		Model:          mr.Model,
		Voice:          mr.Voice,
	}
	if mr.ExpiresAt > 0 {
		g.ExpiresAt = time.Unix(mr.ExpiresAt, 0)
	}

	c.logger.Debug("fetched ephemeral grant",
		"session_id", g.SessionID, "model", g.Model, "expires_at", g.ExpiresAt)
	return g, nil
}
