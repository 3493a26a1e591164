package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offsync/internal/config"
	"offsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 512
)

// HTTPClient delivers actions to the sync server as JSON POSTs. The action id
// doubles as the idempotency key so a resend after a lost response is
// deduplicated by the server.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

type sendRequest struct {
	ID      string            `json:"id"`
	Type    models.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Attempt int               `json:"attempt"`
}

type sendResponse struct {
	ServerID  string `json:"server_id"`
	Duplicate bool   `json:"duplicate"`
}

// NewHTTPClient builds a client from config. RPS of zero disables the
// client-side limit.
func NewHTTPClient(cfg config.TransportConfig, logger *zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transport base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "transport").Logger()

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = models.DefaultSendTimeout
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     &l,
	}, nil
}

// Send posts one action to <base_url>/actions/<type>.
func (c *HTTPClient) Send(ctx context.Context, action *models.OfflineAction) (models.Ack, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.Ack{}, &models.TransportError{Kind: models.Transient, Err: fmt.Errorf("rate limit: %w", err)}
	}

	body, err := json.Marshal(sendRequest{
		ID:      action.ID,
		Type:    action.Type,
		Payload: action.Payload,
		Attempt: action.SyncAttempts + 1,
	})
	if err != nil {
		return models.Ack{}, &models.TransportError{Kind: models.Permanent, Err: fmt.Errorf("encode action: %w", err)}
	}

	endpoint := fmt.Sprintf("%s/actions/%s", c.baseURL, url.PathEscape(string(action.Type)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Ack{}, &models.TransportError{Kind: models.Permanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, action.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Dial failures, resets and timeouts: the server may or may not
		// have the action, a resend is safe either way.
		return models.Ack{}, &models.TransportError{Kind: models.Transient, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("action_id", action.ID).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("action sent")

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return models.Ack{}, &models.TransportError{StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	ack := models.Ack{ActionID: action.ID, ReceivedAt: time.Now()}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		// The server accepted the action; an unreadable body does not undo that.
		c.logger.Warn().Err(err).Str("action_id", action.ID).Msg("decode ack")
		return ack, nil
	}
	ack.ServerID = out.ServerID
	ack.Duplicate = out.Duplicate
	return ack, nil
}
