package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/auto-earn/internal/adapter"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/metrics"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/types"
	"github.com/auto-earn/internal/worker"
)

// SyncResult is the outcome of syncing one Safe
type SyncResult struct {
	SafeAddress string `json:"safeAddress"`
	Fetched     int    `json:"fetched"`
	Matched     int    `json:"matched"`
	Inserted    int    `json:"inserted"`
	Duplicates  int    `json:"duplicates"`
	RowErrors   int    `json:"rowErrors"`
	More        bool   `json:"more,omitempty"`
	FetchError  string `json:"fetchError,omitempty"`
}

// SyncSummary is the outcome of a sync run over every tracked Safe
type SyncSummary struct {
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Accounts   int           `json:"accounts"`
	Inserted   int           `json:"inserted"`
	Failed     int           `json:"failed"`
	Results    []*SyncResult `json:"results"`
}

// DepositSyncConfig holds deposit sync settings
type DepositSyncConfig struct {
	TokenAddress string
}

// DepositSyncService keeps the incoming deposit ledger current with the
// transfer history of each tracked Safe.
type DepositSyncService struct {
	source   TransferSource
	deposits DepositRepository
	configs  ConfigRepository
	pool     *worker.AccountPool
	metrics  *metrics.Metrics
	token    string
}

// NewDepositSyncService creates a new deposit sync service
func NewDepositSyncService(
	source TransferSource,
	deposits DepositRepository,
	configs ConfigRepository,
	pool *worker.AccountPool,
	m *metrics.Metrics,
	cfg DepositSyncConfig,
) (*DepositSyncService, error) {
	if !types.IsHexAddress(cfg.TokenAddress) {
		return nil, apperrors.NewConfigError(fmt.Errorf("invalid token address %q", cfg.TokenAddress))
	}
	if pool == nil {
		pool = worker.NewAccountPool(1)
	}
	return &DepositSyncService{
		source:   source,
		deposits: deposits,
		configs:  configs,
		pool:     pool,
		metrics:  m,
		token:    types.NormalizeAddress(cfg.TokenAddress),
	}, nil
}

// SyncAll syncs every Safe that has an auto-earn config. Per-account failures
// are reported in the summary; only failing to list the Safes is an error.
func (s *DepositSyncService) SyncAll(ctx context.Context) (*SyncSummary, error) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	safes, err := s.configs.ListTrackedSafes(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list tracked safes", err)
	}

	results := make([]*SyncResult, len(safes))
	err = s.pool.Run(ctx, len(safes), func(ctx context.Context, i int) {
		results[i] = s.SyncAccount(ctx, safes[i])
	})

	summary := &SyncSummary{
		StartedAt: start,
		Accounts:  len(safes),
		Results:   make([]*SyncResult, 0, len(safes)),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		summary.Results = append(summary.Results, res)
		summary.Inserted += res.Inserted
		if res.FetchError != "" {
			summary.Failed++
		}
	}
	summary.FinishedAt = time.Now()
	s.metrics.ObserveRun("sync", summary.FinishedAt.Sub(start))

	logger.WithFields(map[string]interface{}{
		"accounts": summary.Accounts,
		"inserted": summary.Inserted,
		"failed":   summary.Failed,
		"duration": summary.FinishedAt.Sub(start).String(),
	}).Info("Deposit sync finished")

	return summary, err
}

// SyncAccount fetches transfers into safe since its latest recorded deposit and
// inserts the new ones page by page, so a fetch that fails part way keeps the
// rows of the pages already seen and the cursor still moves forward.
func (s *DepositSyncService) SyncAccount(ctx context.Context, safe string) *SyncResult {
	safe = types.NormalizeAddress(safe)
	res := &SyncResult{SafeAddress: safe}
	logger := logging.FromContext(ctx).WithField("safe", safe)

	since, err := s.deposits.LatestTimestamp(ctx, safe, s.token)
	if err != nil {
		res.FetchError = err.Error()
		s.metrics.IncSyncFetchError()
		logger.WithError(err).Error("Failed to read sync cursor")
		return res
	}

	query := adapter.TransferQuery{Since: since, Token: s.token}
	more, err := s.source.FetchIncomingTransfers(ctx, safe, query, func(page []*adapter.IncomingTransfer) error {
		s.ingest(ctx, res, safe, page)
		return nil
	})
	res.More = more
	if err != nil {
		res.FetchError = err.Error()
		s.metrics.IncSyncFetchError()
		logger.WithError(err).WithField("inserted", res.Inserted).Warn("Failed to fetch incoming transfers")
	}

	s.metrics.AddSyncInserted(res.Inserted)
	s.metrics.AddSyncRowErrors(res.RowErrors)

	if res.Inserted > 0 || res.RowErrors > 0 || res.More {
		logger.WithFields(map[string]interface{}{
			"fetched":    res.Fetched,
			"inserted":   res.Inserted,
			"duplicates": res.Duplicates,
			"rowErrors":  res.RowErrors,
			"more":       res.More,
		}).Info("Synced incoming deposits")
	}

	return res
}

// ingest filters one page of transfers and inserts the matching deposits
func (s *DepositSyncService) ingest(ctx context.Context, res *SyncResult, safe string, page []*adapter.IncomingTransfer) {
	logger := logging.FromContext(ctx).WithField("safe", safe)
	res.Fetched += len(page)

	for _, tr := range page {
		if !s.matches(tr, safe) {
			continue
		}
		res.Matched++

		deposit, err := s.toDeposit(tr, safe)
		if err != nil {
			res.RowErrors++
			logger.WithError(err).WithField("txHash", tr.TransactionHash).Warn("Skipping malformed transfer")
			continue
		}

		inserted, err := s.deposits.InsertIfAbsent(ctx, deposit)
		if err != nil {
			res.RowErrors++
			logger.WithError(err).WithField("txHash", deposit.TxHash).Error("Failed to insert incoming deposit")
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
}

// matches keeps ERC-20 transfers of the tracked token into safe
func (s *DepositSyncService) matches(tr *adapter.IncomingTransfer, safe string) bool {
	if tr == nil || tr.Type != types.TransferTypeERC20 {
		return false
	}
	if !strings.EqualFold(tr.To, safe) {
		return false
	}
	return strings.EqualFold(transferToken(tr), s.token)
}

func transferToken(tr *adapter.IncomingTransfer) string {
	if tr.TokenAddress != nil && *tr.TokenAddress != "" {
		return *tr.TokenAddress
	}
	if tr.TokenInfo != nil {
		return tr.TokenInfo.Address
	}
	return ""
}

func (s *DepositSyncService) toDeposit(tr *adapter.IncomingTransfer, safe string) (*models.IncomingDeposit, error) {
	if tr.Value == nil {
		return nil, apperrors.NewDataError("transfer has no value", nil)
	}
	amount, err := types.ParseAmount(*tr.Value)
	if err != nil {
		return nil, apperrors.NewDataError("transfer value is not a base-10 integer", err)
	}
	if tr.TransactionHash == "" {
		return nil, apperrors.NewDataError("transfer has no transaction hash", nil)
	}

	return &models.IncomingDeposit{
		SafeAddress:  safe,
		TxHash:       strings.ToLower(tr.TransactionHash),
		FromAddress:  types.NormalizeAddress(tr.From),
		TokenAddress: s.token,
		Amount:       amount,
		BlockNumber:  tr.BlockNumber,
		Timestamp:    tr.ExecutionDate.UTC(),
	}, nil
}
