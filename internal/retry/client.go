// Package retry wraps broker close operations with bounded retries for
// transient trade server failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/mwalcott/triarb/internal/broker"
)

// Config bounds the retry loop.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig suits position closes: a few quick attempts, then give up
// and let the next monitoring tick try again.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        1 * time.Minute,
}

// Client retries close requests on transient failures. Permanent rejections
// (invalid ticket, market closed) surface immediately.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a retry client around the broker.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Client{broker: b, logger: logger, config: cfg}
}

// ClosePositionWithRetry closes one ticket, retrying transient failures
// with exponential backoff. Requotes and throttling retry; rejections such
// as an unknown ticket do not.
func (c *Client) ClosePositionWithRetry(ctx context.Context, ticket int64) (*broker.CloseResult, error) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := closeCtx.Err(); err != nil {
			return nil, fmt.Errorf("close of ticket %d abandoned: %w", ticket, err)
		}

		res, err := c.broker.ClosePosition(ticket)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("Ticket %d closed on attempt %d", ticket, attempt+1)
			}
			return res, nil
		}

		lastErr = err
		if !broker.IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}
		c.logger.Printf("Close attempt %d/%d for ticket %d failed (%v), retrying in %v",
			attempt+1, c.config.MaxRetries+1, ticket, err, backoff)

		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-closeCtx.Done():
			return nil, fmt.Errorf("close of ticket %d abandoned during backoff: %w", ticket, closeCtx.Err())
		}
	}

	return nil, fmt.Errorf("closing ticket %d: %w", ticket, lastErr)
}

// nextBackoff grows the delay by half with a little jitter to avoid
// lockstep retries across legs.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			next += time.Duration(j.Int64())
		}
	}
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	return next
}
