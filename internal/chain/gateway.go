package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/config"
)

// GatewayClient talks to the ledger gateway, the HTTP bridge in front of
// the external ledger. It implements both Submitter and EventSource.
type GatewayClient struct {
	cfg    config.GatewayConfig
	client *http.Client
	log    *logrus.Logger
}

func NewGatewayClient(cfg config.GatewayConfig, log *logrus.Logger) *GatewayClient {
	return &GatewayClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type submitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
	Error string `json:"error,omitempty"`
}

// Submit posts one operation. The gateway deduplicates on the
// Idempotency-Key header, so resubmitting after a timeout is safe.
func (g *GatewayClient) Submit(ctx context.Context, op Operation) (string, error) {
	body, err := json.Marshal(submitRequest{
		Kind:    string(op.Kind),
		Payload: json.RawMessage(op.Payload),
	})
	if err != nil {
		return "", &SubmitError{Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return "", &SubmitError{Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		// Network failure or timeout: outcome unknown.
		return "", &SubmitError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &SubmitError{Retryable: true, Err: err}
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &SubmitError{
			Retryable: resp.StatusCode >= 500,
			Err:       fmt.Errorf("unparseable gateway response (status %d)", resp.StatusCode),
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out.TxRef, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &SubmitError{
			Retryable: true,
			Err:       fmt.Errorf("gateway status %d: %s", resp.StatusCode, out.Error),
		}
	default:
		// 4xx means the operation itself is bad; retrying cannot help.
		return "", &SubmitError{
			Retryable: false,
			Err:       fmt.Errorf("gateway rejected operation (status %d): %s", resp.StatusCode, out.Error),
		}
	}
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

// Fetch returns confirmation events strictly after the given position.
func (g *GatewayClient) Fetch(ctx context.Context, afterPosition int64, limit int) ([]Event, error) {
	url := fmt.Sprintf("%s/v1/events?after=%d&limit=%d", g.cfg.BaseURL, afterPosition, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway event fetch returned status %d", resp.StatusCode)
	}

	var out eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode event stream: %w", err)
	}
	return out.Events, nil
}
