package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/auto-earn/internal/config"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthBackend is the subset of the JSON-RPC client used by the vault client
type EthBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// RPC runs calls against a JSON-RPC backend
type RPC interface {
	// Read runs an idempotent call, retrying and failing over between endpoints
	Read(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error
	// Write runs a state-changing call once on the active endpoint
	Write(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error
}

type dialFunc func(ctx context.Context, url string) (EthBackend, func(), error)

// RPCPool manages the primary and secondary RPC endpoints with failover.
// Clients are dialed lazily; the pool sticks to an endpoint until it fails.
type RPCPool struct {
	mu           sync.RWMutex
	endpoints    []string
	clients      []EthBackend
	closers      []func()
	health       []*EndpointHealth
	currentIndex int

	callTimeout time.Duration
	retryConfig *retry.RetryConfig
	dial        dialFunc
}

// NewRPCPool creates a pool from the chain configuration
func NewRPCPool(cfg *config.ChainConfig) (*RPCPool, error) {
	var endpoints []string
	for _, ep := range []string{cfg.RPCPrimary, cfg.RPCSecondary} {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return newRPCPool(endpoints, cfg.CallTimeout, dialEthClient)
}

func dialEthClient(ctx context.Context, url string) (EthBackend, func(), error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func newRPCPool(endpoints []string, callTimeout time.Duration, dial dialFunc) (*RPCPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}

	pool := &RPCPool{
		endpoints:   endpoints,
		clients:     make([]EthBackend, len(endpoints)),
		closers:     make([]func(), len(endpoints)),
		health:      make([]*EndpointHealth, len(endpoints)),
		callTimeout: callTimeout,
		dial:        dial,
	}
	for i, ep := range endpoints {
		pool.health[i] = NewEndpointHealth(ep)
	}
	pool.retryConfig = retry.ChainReadConfig(isTransientRPCError)

	return pool, nil
}

// current returns the active client, dialing it on first use
func (p *RPCPool) current(ctx context.Context) (EthBackend, int, error) {
	p.mu.RLock()
	idx := p.currentIndex
	client := p.clients[idx]
	p.mu.RUnlock()
	if client != nil {
		return client, idx, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx = p.currentIndex
	if p.clients[idx] == nil {
		c, closer, err := p.dial(ctx, p.endpoints[idx])
		if err != nil {
			return nil, idx, fmt.Errorf("failed to connect to RPC endpoint %d: %w", idx, err)
		}
		p.clients[idx] = c
		p.closers[idx] = closer
	}
	return p.clients[idx], idx, nil
}

// failover moves off endpoint idx, if it is still the active one
func (p *RPCPool) failover(ctx context.Context, idx int) {
	if len(p.endpoints) < 2 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentIndex != idx {
		return
	}
	next := (idx + 1) % len(p.endpoints)
	p.currentIndex = next

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"from": idx,
		"to":   next,
	}).Warn("Switched RPC endpoint")
}

// Read runs an idempotent call with retries, failing over on transport errors
func (p *RPCPool) Read(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error {
	err := retry.WithRetry(ctx, p.retryConfig, func(ctx context.Context, attempt int) error {
		return p.call(ctx, fn)
	})
	if err != nil {
		var catErr *apperrors.CategorizedError
		if errors.As(err, &catErr) {
			return err
		}
		return apperrors.NewChainReadError(op, err)
	}
	return nil
}

// Write runs fn once on the active endpoint. A transport failure still moves
// the pool to the other endpoint for subsequent calls.
func (p *RPCPool) Write(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error {
	if err := p.call(ctx, fn); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *RPCPool) call(ctx context.Context, fn func(ctx context.Context, b EthBackend) error) error {
	client, idx, err := p.current(ctx)
	if err != nil {
		p.health[idx].RecordFailure()
		p.failover(ctx, idx)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx, client)
	if err == nil {
		p.health[idx].RecordSuccess(time.Since(start))
		return nil
	}

	if shouldFailover(err) {
		p.health[idx].RecordFailure()
		p.failover(ctx, idx)
	}
	return err
}

// Status returns the health of every endpoint
func (p *RPCPool) Status() []*ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*ProviderHealth, len(p.health))
	for i, h := range p.health {
		out[i] = h.Snapshot()
		out[i].Active = i == p.currentIndex
	}
	return out
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, closer := range p.closers {
		if closer != nil {
			closer()
		}
		p.clients[i] = nil
		p.closers[i] = nil
	}
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

// shouldFailover determines if an error warrants moving to another endpoint
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimitError(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "failed to connect")
}

// isTransientRPCError reports whether a read is worth repeating. Reverts and
// decode failures are deterministic and fail fast.
func isTransientRPCError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "execution reverted") || strings.Contains(errStr, "abi:") {
		return false
	}
	return true
}
