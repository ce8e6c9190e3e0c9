// Package powerlease implements the downstream power-manager
// collaborator of spec.md §6: a narrow Acquire/Release contract backed
// by an HTTP RPC client, with symmetric ref-counting left to the
// caller (internal/handle, internal/indexer).
package powerlease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gonlo2/mucachefs/internal/circuit"
	mucerrors "github.com/gonlo2/mucachefs/pkg/errors"
	"github.com/gonlo2/mucachefs/pkg/retry"
	"github.com/gonlo2/mucachefs/pkg/types"
)

// Client talks to the remote power-manager service that keeps
// power-managed source media awake while any lease is outstanding.
type Client struct {
	endpoint string
	tokenID  string
	http     *http.Client
	retryer  *retry.Retryer
	breaker  *circuit.CircuitBreaker
	logger   *slog.Logger
}

// Config configures a Client.
type Config struct {
	Endpoint string
	TokenID  string
	Timeout  time.Duration
	Retry    retry.Config
	Breaker  *circuit.Config
}

// New constructs a Client. A nil Breaker skips circuit breaking
// entirely; acquire/release calls then run retry-wrapped only.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var b *circuit.CircuitBreaker
	if cfg.Breaker != nil {
		b = circuit.NewCircuitBreaker("power-manager", *cfg.Breaker)
	}
	return &Client{
		endpoint: cfg.Endpoint,
		tokenID:  cfg.TokenID,
		http:     &http.Client{Timeout: cfg.Timeout},
		retryer:  retry.New(cfg.Retry),
		breaker:  b,
		logger:   logger.With("component", "powerlease"),
	}
}

// Acquire takes one reference on the remote power-manager service. A
// wedged power-manager degrades (once the breaker trips) to treating
// the call as already satisfied, rather than stalling every handle
// Open — acquire/release failure is not in spec.md's error taxonomy,
// so this resilience behavior is new and logged as such.
func (c *Client) Acquire(ctx context.Context) error {
	return c.call(ctx, "acquire")
}

// Release drops one reference on the remote power-manager service.
func (c *Client) Release(ctx context.Context) error {
	return c.call(ctx, "release")
}

func (c *Client) call(ctx context.Context, op string) error {
	do := func(ctx context.Context) error {
		return c.doHTTP(ctx, op)
	}
	if c.breaker != nil {
		err := c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			return c.retryer.DoWithContext(ctx, do)
		})
		if errors.Is(err, circuit.ErrOpenState) {
			c.logger.Warn("power manager circuit open, treating call as satisfied", "op", op)
			return nil
		}
		return err
	}
	return c.retryer.DoWithContext(ctx, do)
}

func (c *Client) doHTTP(ctx context.Context, op string) error {
	body, err := json.Marshal(map[string]string{"token_id": c.tokenID})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s", c.endpoint, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return mucerrors.New(mucerrors.ErrCodePowerManagerRPC, fmt.Sprintf("server error %d", resp.StatusCode)).
			WithComponent("powerlease").WithOperation(op)
	}
	if resp.StatusCode >= 400 {
		return mucerrors.New(mucerrors.ErrCodePowerManagerRPC, fmt.Sprintf("client error %d", resp.StatusCode)).
			WithComponent("powerlease").WithOperation(op)
	}
	return nil
}

var _ types.PowerLease = (*Client)(nil)
