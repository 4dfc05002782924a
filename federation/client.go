package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
)

// Client talks to the store's federation endpoint. Every call goes through
// the circuit breaker; while the circuit is open callers get a typed
// fail-fast error and the offline fallbacks (local queuing, exhaustion
// errors) take over.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	breaker   *CircuitBreaker
	logger    *logrus.Logger
}

func NewClient(logger *logrus.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("FEDERATION_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("FEDERATION_BASE_URL is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("FEDERATION_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    strings.TrimSpace(os.Getenv("FEDERATION_API_KEY")),
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 15 * time.Second},
		breaker:   NewCircuitBreaker(logger),
		logger:    logger,
	}, nil
}

func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.breaker.Do(func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set(c.apiKeyHdr, c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// RelayEvent upserts one event at the federation endpoint, keyed by
// event_id. The endpoint treats duplicates as success, so redelivery after a
// timed-out call is safe.
func (c *Client) RelayEvent(ctx context.Context, event *models.Event) error {
	return c.post(ctx, "/federation/events", event, nil)
}

// ReserveStockEscrow asks the authority for an offline sale capacity grant.
func (c *Client) ReserveStockEscrow(ctx context.Context, req workflow.EscrowReserveRequest) (*models.StockEscrow, error) {
	var escrow models.StockEscrow
	if err := c.post(ctx, "/stock/reserve-escrow", req, &escrow); err != nil {
		return nil, err
	}
	return &escrow, nil
}

// ReserveFiscalRange asks the authority for the next invoice number block.
func (c *Client) ReserveFiscalRange(ctx context.Context, req workflow.RangeReserveRequest) (*models.FiscalSequenceRange, error) {
	var lease models.FiscalSequenceRange
	if err := c.post(ctx, "/fiscal/reserve-range", req, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// PushHealthSnapshot uploads the periodic health snapshot.
func (c *Client) PushHealthSnapshot(ctx context.Context, snap *models.FederationHealthSnapshot) error {
	return c.post(ctx, "/federation/health", snap, nil)
}

// Ping probes remote reachability and reports the round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := c.breaker.Do(func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
		if rerr != nil {
			return rerr
		}
		if c.apiKey != "" {
			req.Header.Set(c.apiKeyHdr, c.apiKey)
		}
		resp, derr := c.http.Do(req)
		if derr != nil {
			return derr
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthz returned %d", resp.StatusCode)
		}
		return nil
	})
	return time.Since(start), err
}
