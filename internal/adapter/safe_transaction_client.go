package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/auto-earn/internal/circuitbreaker"
	"github.com/auto-earn/internal/config"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const safeTxServiceName = "safe-transaction-service"

// ErrUnordered is returned when the service hands back transfers out of
// execution order. Pages are only useful to the sync cursor when ascending.
var ErrUnordered = fmt.Errorf("transfers not in ascending execution order")

// TokenInfo describes the token of a transfer as reported by the Safe Transaction Service
type TokenInfo struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// IncomingTransfer is one entry of the incoming-transfers endpoint
type IncomingTransfer struct {
	Type            types.TransferType `json:"type"`
	ExecutionDate   time.Time          `json:"executionDate"`
	BlockNumber     uint64             `json:"blockNumber"`
	TransactionHash string             `json:"transactionHash"`
	To              string             `json:"to"`
	From            string             `json:"from"`
	Value           *string            `json:"value"` // base-10 integer; null for ERC-721
	TokenAddress    *string            `json:"tokenAddress"`
	TokenInfo       *TokenInfo         `json:"tokenInfo"`
}

type incomingTransfersPage struct {
	Count   int                 `json:"count"`
	Next    *string             `json:"next"`
	Results []*IncomingTransfer `json:"results"`
}

// SafeTransactionClient reads incoming transfers from the Safe Transaction Service
type SafeTransactionClient struct {
	baseURL    string
	pageLimit  int
	maxPages   int
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	maxRetries int
	baseDelay  time.Duration
}

// NewSafeTransactionClient creates a client for the configured service URL
func NewSafeTransactionClient(cfg *config.TransferServiceConfig) *SafeTransactionClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = 100
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SafeTransactionClient{
		baseURL:    cfg.BaseURL,
		pageLimit:  pageLimit,
		maxPages:   maxPages,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(safeTxServiceName)),
		maxRetries: 3,
		baseDelay:  time.Second,
	}
}

// Breaker exposes the circuit breaker for health reporting
func (c *SafeTransactionClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// TransferQuery narrows an incoming-transfers request
type TransferQuery struct {
	Since *time.Time // inclusive lower bound on execution date
	Token string     // ERC-20 contract; empty returns every transfer type
}

// TransferPageFunc receives one page of transfers, oldest first
type TransferPageFunc func(page []*IncomingTransfer) error

// FetchIncomingTransfers walks the incoming transfers of safe oldest first and
// hands each page to visit as it arrives. It stops after MaxPages pages and
// reports more=true; the caller resumes from its own cursor on the next run.
func (c *SafeTransactionClient) FetchIncomingTransfers(ctx context.Context, safe string, q TransferQuery, visit TransferPageFunc) (more bool, err error) {
	if !common.IsHexAddress(safe) {
		return false, apperrors.NewInvalidAddressError(safe)
	}
	if q.Token != "" && !common.IsHexAddress(q.Token) {
		return false, apperrors.NewInvalidAddressError(q.Token)
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.pageLimit))
	query.Set("ordering", "execution_date")
	if q.Token != "" {
		query.Set("erc20", "true")
		query.Set("token_address", common.HexToAddress(q.Token).Hex())
	}
	if q.Since != nil {
		query.Set("execution_date__gte", q.Since.UTC().Format(time.RFC3339))
	}
	next := fmt.Sprintf("%s/api/v1/safes/%s/incoming-transfers/?%s",
		c.baseURL, common.HexToAddress(safe).Hex(), query.Encode())

	logger := logging.FromContext(ctx).WithField("safe", safe)

	var last time.Time
	for page := 1; next != ""; page++ {
		if page > c.maxPages {
			logger.WithField("pages", c.maxPages).Info("Transfer page limit reached, resuming on next run")
			return true, nil
		}

		var body []byte
		err := c.breaker.Execute(ctx, func() error {
			var reqErr error
			body, reqErr = c.doRequest(ctx, next)
			return reqErr
		})
		if err != nil {
			return false, err
		}

		var resp incomingTransfersPage
		if err := json.Unmarshal(body, &resp); err != nil {
			return false, apperrors.NewProviderError(safeTxServiceName, fmt.Errorf("failed to decode response: %w", err))
		}

		if last, err = checkAscending(resp.Results, last); err != nil {
			return false, apperrors.NewProviderError(safeTxServiceName, fmt.Errorf("page %d: %w", page, err))
		}

		logger.WithFields(map[string]interface{}{
			"page":    page,
			"results": len(resp.Results),
			"count":   resp.Count,
		}).Debug("Fetched incoming transfers page")

		if err := visit(resp.Results); err != nil {
			return false, err
		}

		next = ""
		if resp.Next != nil {
			next = *resp.Next
		}
	}

	return false, nil
}

// checkAscending verifies page continues the ascending run that ended at last
// and returns the new high-water mark.
func checkAscending(page []*IncomingTransfer, last time.Time) (time.Time, error) {
	for _, tr := range page {
		if tr == nil {
			continue
		}
		if tr.ExecutionDate.Before(last) {
			return last, fmt.Errorf("%w: %s before %s", ErrUnordered,
				tr.ExecutionDate.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
		}
		last = tr.ExecutionDate
	}
	return last, nil
}

// doRequest performs one GET, retrying on network errors and 429 with backoff
func (c *SafeTransactionClient) doRequest(ctx context.Context, rawURL string) ([]byte, error) {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = apperrors.NewProviderError(safeTxServiceName, err)
			if attempt < c.maxRetries {
				delay := c.backoff(attempt, "")
				logger.WithError(err).Warnf("Safe Transaction Service request failed (attempt %d/%d), retrying in %v", attempt+1, c.maxRetries+1, delay)
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
			}
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		_ = resp.Body.Close()
		if err != nil {
			return nil, apperrors.NewProviderError(safeTxServiceName, fmt.Errorf("failed to read response: %w", err))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = apperrors.NewProviderHTTPError(safeTxServiceName, resp.StatusCode, truncateBody(body))
			if attempt < c.maxRetries {
				delay := c.backoff(attempt, resp.Header.Get("Retry-After"))
				logger.Warnf("Safe Transaction Service rate limited (attempt %d/%d), retrying in %v", attempt+1, c.maxRetries+1, delay)
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, apperrors.NewProviderHTTPError(safeTxServiceName, resp.StatusCode, truncateBody(body))
		}

		return body, nil
	}

	return nil, lastErr
}

// backoff honours Retry-After (seconds) when present, otherwise doubles baseDelay per attempt
func (c *SafeTransactionClient) backoff(attempt int, retryAfter string) time.Duration {
	delay := c.baseDelay * time.Duration(1<<uint(attempt)) // #nosec G115 - attempt is small
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			delay = time.Duration(seconds) * time.Second
		}
	}
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
