package settlement

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mr-tron/base58"

	"github.com/futstar/momentum-engine/internal/ledger"
	"github.com/futstar/momentum-engine/internal/model"
)

// HTTPClient is the external settlement service. It receives payout
// instructions and, when escrow is enabled, stake locks.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type payoutResponse struct {
	Receipt string `json:"receipt"`
}

// Pay posts a payout instruction. The position id doubles as the
// idempotency key so a retried instruction is paid once. 4xx responses
// are permanent, everything else is retried by the caller.
func (c *HTTPClient) Pay(ctx context.Context, p ledger.Payout) (string, error) {
	var out payoutResponse
	if err := c.post(ctx, "/payouts", p.PositionID, p, &out); err != nil {
		return "", err
	}
	return out.Receipt, nil
}

type lockRequest struct {
	PositionID string `json:"position_id"`
	OwnerID    string `json:"owner_id"`
	MatchID    string `json:"match_id"`
	Stake      string `json:"stake"`
}

// LockStake asks the service to hold the stake of an Open position.
func (c *HTTPClient) LockStake(ctx context.Context, p model.Position) error {
	return c.post(ctx, "/escrow/locks", "lock-"+p.ID, lockRequest{
		PositionID: p.ID,
		OwnerID:    p.OwnerID,
		MatchID:    p.MatchID,
		Stake:      p.Stake.String(),
	}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path, key string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode %s: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// LogPayer records payouts in the log. It stands in for the settlement
// service when none is configured.
type LogPayer struct{}

// Pay logs p and returns a receipt derived from the position and amount.
func (LogPayer) Pay(_ context.Context, p ledger.Payout) (string, error) {
	sum := sha256.Sum256([]byte(p.PositionID + ":" + p.Amount.String()))
	receipt := base58.Encode(sum[:16])
	slog.Info("payout recorded",
		"position", p.PositionID,
		"owner", p.OwnerID,
		"match", p.MatchID,
		"payout", p.Amount.String(),
		"receipt", receipt,
	)
	return receipt, nil
}

// LockStake accepts every lock.
func (LogPayer) LockStake(_ context.Context, p model.Position) error {
	slog.Debug("stake locked", "position", p.ID, "stake", p.Stake.String())
	return nil
}
