package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/auto-earn/internal/adapter"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/auto-earn/internal/metrics"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/retry"
	"github.com/auto-earn/internal/storage"
	"github.com/auto-earn/internal/types"
	"github.com/auto-earn/internal/worker"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	unlockTimeout   = 5 * time.Second
	recordTimeout   = 30 * time.Second
	defaultClaimTTL = time.Hour
)

var errLockLost = errors.New("account lock lost")

// SweepConfig holds sweep settings, validated once at construction
type SweepConfig struct {
	TokenAddress        string
	ChainID             int64
	VerifyModuleOnChain bool
	// ClaimTTL is how long a deposit claim keeps other runs away before it is
	// taken over. Zero uses one hour.
	ClaimTTL time.Duration
	// RecordRetry bounds retries of the ledger write after a confirmed deposit.
	// nil uses a short default.
	RecordRetry *retry.RetryConfig
}

// SweepDependencies are the collaborators of a SweepService
type SweepDependencies struct {
	Configs  ConfigRepository
	Deposits DepositRepository
	Ledger   SweepRecorder
	Claims   DepositClaims
	Chain    VaultExecutor
	Locker   AccountLocker
	Pool     *worker.AccountPool
	Metrics  *metrics.Metrics
}

// SweepService moves a configured percentage of each unswept deposit into the
// Safe's vault, at most once per deposit.
type SweepService struct {
	configs  ConfigRepository
	deposits DepositRepository
	ledger   SweepRecorder
	claims   DepositClaims
	chain    VaultExecutor
	locker   AccountLocker
	pool     *worker.AccountPool
	metrics  *metrics.Metrics

	token        common.Address
	tokenKey     string
	chainID      int64
	verifyModule bool
	claimTTL     time.Duration
	recordRetry  *retry.RetryConfig

	now func() time.Time
}

// NewSweepService creates a new sweep service
func NewSweepService(deps SweepDependencies, cfg SweepConfig) (*SweepService, error) {
	if !types.IsHexAddress(cfg.TokenAddress) {
		return nil, apperrors.NewConfigError(fmt.Errorf("invalid token address %q", cfg.TokenAddress))
	}
	if deps.Configs == nil || deps.Deposits == nil || deps.Ledger == nil || deps.Claims == nil || deps.Chain == nil {
		return nil, apperrors.NewConfigError(errors.New("sweep service requires configs, deposits, ledger, claims and chain"))
	}

	s := &SweepService{
		configs:      deps.Configs,
		deposits:     deps.Deposits,
		ledger:       deps.Ledger,
		claims:       deps.Claims,
		chain:        deps.Chain,
		locker:       deps.Locker,
		pool:         deps.Pool,
		metrics:      deps.Metrics,
		token:        common.HexToAddress(cfg.TokenAddress),
		tokenKey:     types.NormalizeAddress(cfg.TokenAddress),
		chainID:      cfg.ChainID,
		verifyModule: cfg.VerifyModuleOnChain,
		claimTTL:     cfg.ClaimTTL,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if s.locker == nil {
		s.locker = NoopLocker{}
	}
	if s.claimTTL <= 0 {
		s.claimTTL = defaultClaimTTL
	}
	if s.pool == nil {
		s.pool = worker.NewAccountPool(1)
	}
	rc := retry.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
	if cfg.RecordRetry != nil {
		rc = *cfg.RecordRetry
	}
	rc.ShouldRetry = isRetryableRecordError
	s.recordRetry = &rc

	return s, nil
}

// Run sweeps every target account. Per-account and per-deposit failures become
// entries in the summary; the error is non-nil only when the targets cannot be
// loaded or ctx ends the run early.
func (s *SweepService) Run(ctx context.Context) (*RunSummary, error) {
	start := s.now()
	logger := logging.FromContext(ctx)

	targets, err := s.configs.ListSweepTargets(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sweep targets", err)
	}
	targets = dedupeTargets(ctx, targets)

	perAccount := make([][]*SweepResult, len(targets))
	runErr := s.pool.Run(ctx, len(targets), func(ctx context.Context, i int) {
		perAccount[i] = s.SweepAccount(ctx, targets[i])
	})

	summary := &RunSummary{StartedAt: start, Accounts: len(targets), Results: []*SweepResult{}}
	for _, results := range perAccount {
		summary.add(results...)
	}
	summary.FinishedAt = s.now()

	for _, r := range summary.Results {
		s.metrics.ObserveSweepResult(string(r.Status), r.ErrorCode)
		if r.Status == types.SweepStatusFailed {
			logger.WithFields(map[string]interface{}{
				"safe":    r.SafeAddress,
				"deposit": r.DepositTxHash,
				"code":    r.ErrorCode,
				"txHash":  r.SweepTxHash,
			}).Warn("Sweep failed: " + r.Error)
		}
	}
	s.metrics.ObserveRun("sweep", summary.FinishedAt.Sub(start))

	logger.WithFields(map[string]interface{}{
		"accounts":   summary.Accounts,
		"swept":      summary.Swept,
		"zeroAmount": summary.ZeroAmount,
		"failed":     summary.Failed,
		"skipped":    summary.Skipped,
		"duration":   summary.FinishedAt.Sub(start).String(),
	}).Info("Auto-earn sweep finished")

	return summary, runErr
}

// dedupeTargets keeps the first target per Safe. Deposits belong to the Safe,
// so a second config on the same Safe would sweep the same deposits again.
func dedupeTargets(ctx context.Context, targets []*models.SweepTarget) []*models.SweepTarget {
	seen := make(map[string]bool, len(targets))
	out := make([]*models.SweepTarget, 0, len(targets))
	for _, t := range targets {
		key := types.NormalizeAddress(t.SafeAddress)
		if seen[key] {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"safe": key,
				"user": t.UserDID,
			}).Warn("Ignoring additional auto-earn config for an already targeted Safe")
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// accountRun is the state shared by the deposits of one SweepAccount call
type accountRun struct {
	target *models.SweepTarget
	safe   common.Address
	vault  common.Address
	owner  string
	// held is cancelled once the account lock is lost; nothing new is sent after that
	held context.Context
}

// SweepAccount processes the unswept deposits of one Safe, newest first, one at a time
func (s *SweepService) SweepAccount(ctx context.Context, target *models.SweepTarget) []*SweepResult {
	safe := types.NormalizeAddress(target.SafeAddress)
	logger := logging.FromContext(ctx).WithField("safe", safe)
	ctx = logging.WithLogger(ctx, logger)

	lease, ok, err := s.locker.TryLockAccount(ctx, safe)
	if err != nil {
		return []*SweepResult{s.newResult(target).fail(types.SweepStatusFailed, err)}
	}
	if !ok {
		s.metrics.IncLockContended()
		logger.Info("Account is being swept by another run, skipping")
		return []*SweepResult{s.newResult(target).skip(CodeLocked, "another sweep run holds the account lock")}
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if err := lease.Release(uctx); err != nil {
			logger.WithError(err).Warn("Failed to release sweep lock")
		}
	}()

	held, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lease.Lost():
			cancel(errLockLost)
		case <-held.Done():
		}
	}()

	run := &accountRun{
		target: target,
		safe:   common.HexToAddress(safe),
		owner:  uuid.NewString(),
		held:   held,
	}

	if s.verifyModule {
		enabled, err := s.chain.IsModuleEnabled(held, run.safe)
		if err != nil {
			return []*SweepResult{s.newResult(target).fail(types.SweepStatusFailed, err)}
		}
		if !enabled {
			if err := s.configs.SetModuleEnabled(held, safe, s.chainID, false); err != nil {
				logger.WithError(err).Warn("Failed to record disabled module")
			}
			return []*SweepResult{s.newResult(target).skip(CodeModuleDisabled, "auto-earn module is not enabled on the Safe")}
		}
	}

	deposits, err := s.deposits.ListUnswept(held, safe, s.tokenKey)
	if err != nil {
		return []*SweepResult{s.newResult(target).fail(types.SweepStatusFailed, apperrors.NewDatabaseError("list unswept deposits", err))}
	}

	results := make([]*SweepResult, 0, len(deposits))
	for i, d := range deposits {
		if leaseLost(lease) {
			logger.WithField("remaining", len(deposits)-i).Warn("Sweep lock lost, leaving remaining deposits to the next run")
			results = append(results, s.newResult(target).skip(CodeLockLost, "account lock expired or was taken over during the run"))
			break
		}
		if ctx.Err() != nil {
			logger.WithField("remaining", len(deposits)-i).Warn("Sweep cancelled, leaving remaining deposits unswept")
			break
		}
		results = append(results, s.sweepDeposit(ctx, run, d))
	}

	return results
}

func leaseLost(lease storage.Lease) bool {
	select {
	case <-lease.Lost():
		return true
	default:
		return false
	}
}

func (s *SweepService) newResult(target *models.SweepTarget) *SweepResult {
	return &SweepResult{
		UserDID:     target.UserDID,
		SafeAddress: types.NormalizeAddress(target.SafeAddress),
		Percentage:  target.Percentage,
	}
}

// sweepDeposit runs one deposit through compute, simulate, claim, submit,
// confirm and record. The vault is resolved on first use and reused for the account.
func (s *SweepService) sweepDeposit(ctx context.Context, run *accountRun, d *models.IncomingDeposit) *SweepResult {
	target := run.target
	res := s.newResult(target)
	res.DepositTxHash = d.TxHash
	res.DepositAmount = bigString(d.Amount)
	logger := logging.FromContext(ctx).WithField("deposit", d.TxHash)

	amount, err := ComputeSaveAmount(d.Amount, target.Percentage)
	if err != nil {
		return res.fail(types.SweepStatusFailed, apperrors.NewDataError("cannot compute amount to save", err))
	}
	res.AmountToSave = amount.String()

	if amount.Sign() == 0 {
		marked, err := s.ledger.RecordZeroSweep(ctx, models.SweepMark{
			TxHash:      d.TxHash,
			SweptAmount: amount,
			Percentage:  target.Percentage,
			SweptAt:     s.now(),
		})
		if err != nil {
			return res.fail(types.SweepStatusFailed, apperrors.NewDatabaseError("mark zero sweep", err))
		}
		if !marked {
			return res.skip(CodeAlreadySwept, "deposit was already marked swept by another run")
		}
		res.Status = types.SweepStatusZeroAmount
		logger.Debug("Amount to save rounds to zero, marked swept without a transaction")
		return res
	}

	if run.vault == (common.Address{}) {
		v, err := s.chain.ResolveVault(run.held, run.safe, s.token)
		if err != nil {
			res.fail(types.SweepStatusFailed, err)
			if errors.Is(err, adapter.ErrNoVaultConfigured) {
				res.ErrorCode = CodeVaultNotFound
			}
			return res
		}
		run.vault = v
	}
	res.VaultAddress = strings.ToLower(run.vault.Hex())

	if err := s.chain.SimulateAutoEarn(run.held, s.token, amount, run.safe); err != nil {
		return res.fail(types.SweepStatusFailed, err)
	}

	now := s.now()
	claimed, previousTx, err := s.claims.ClaimForSweep(run.held, d.TxHash, run.owner, now, now.Add(-s.claimTTL))
	if err != nil {
		return res.fail(types.SweepStatusFailed, apperrors.NewDatabaseError("claim deposit", err))
	}
	if !claimed {
		return res.skip(CodeClaimed, "deposit is being swept by another run")
	}

	var (
		hash    common.Hash
		receipt *ethtypes.Receipt
	)
	if previousTx != nil && *previousTx != "" {
		hash = common.HexToHash(*previousTx)
		res.SweepTxHash = hash.Hex()
		logger.WithField("txHash", res.SweepTxHash).Warn("Taking over an abandoned claim, checking its sweep transaction")

		receipt, err = s.chain.WaitForReceipt(ctx, hash)
		switch {
		case err == nil:
			logger.WithField("txHash", res.SweepTxHash).Info("Abandoned sweep transaction was mined, recording it")
		case receipt != nil:
			// reverted, so nothing moved and the deposit can be sent again
			receipt = nil
		default:
			res.fail(types.SweepStatusFailed, err)
			res.ErrorCode = CodeUnconfirmedClaim
			return res
		}
	}

	if receipt == nil {
		hash, err = s.chain.SubmitAutoEarn(run.held, s.token, amount, run.safe)
		if hash != (common.Hash{}) {
			res.SweepTxHash = hash.Hex()
			s.attachClaimTx(ctx, run, d, hash)
		}
		if err != nil {
			if hash == (common.Hash{}) {
				s.releaseClaim(ctx, run, d)
			}
			return res.fail(types.SweepStatusFailed, err)
		}

		waitStart := time.Now()
		receipt, err = s.chain.WaitForReceipt(ctx, hash)
		s.metrics.ObserveReceiptWait(time.Since(waitStart))
		if err != nil {
			// a reverted transaction frees the deposit for the next run; an
			// unanswered one keeps the claim until it is stale and rechecked
			if receipt != nil {
				s.releaseClaim(ctx, run, d)
			}
			return res.fail(types.SweepStatusFailed, err)
		}
	}

	assets, shares := amount, big.NewInt(0)
	if ev, err := adapter.ParseVaultDeposit(receipt, run.vault, run.safe); err == nil {
		assets, shares = ev.Assets, ev.Shares
		res.EventDecoded = true
	} else {
		logger.WithError(err).Warn("Vault Deposit event not decoded, recording planned amount")
	}
	res.AssetsDeposited = assets.String()
	res.SharesReceived = shares.String()

	marked, err := s.record(ctx, target, d, run.vault, hash, assets, shares)
	if err != nil {
		logger.WithError(err).WithField("txHash", res.SweepTxHash).
			Error("Vault deposit confirmed on-chain but could not be recorded")
		res.Status = types.SweepStatusFailed
		res.ErrorCode = CodeRecordFailed
		res.Error = err.Error()
		return res
	}

	res.Status = types.SweepStatusSwept
	if !marked {
		res.ErrorCode = CodeSweepConflict
		res.Error = "deposit was already marked swept by another run"
		logger.WithField("txHash", res.SweepTxHash).Warn("Deposit swept twice: recorded vault deposit but swept flag was already set")
	}

	s.metrics.AddSweptAssets(bigFloat(assets))
	logger.WithFields(map[string]interface{}{
		"txHash": res.SweepTxHash,
		"assets": res.AssetsDeposited,
		"shares": res.SharesReceived,
	}).Info("Deposit swept into vault")

	return res
}

// attachClaimTx stores the sent transaction on the claim so a run taking over
// a stale claim can check it before sending again
func (s *SweepService) attachClaimTx(ctx context.Context, run *accountRun, d *models.IncomingDeposit, hash common.Hash) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.claims.AttachClaimTx(ctx, d.TxHash, run.owner, hash.Hex()); err != nil {
		logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"deposit": d.TxHash,
			"txHash":  hash.Hex(),
		}).Error("Failed to store sweep transaction on deposit claim")
	}
}

func (s *SweepService) releaseClaim(ctx context.Context, run *accountRun, d *models.IncomingDeposit) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.claims.ReleaseClaim(ctx, d.TxHash, run.owner); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("deposit", d.TxHash).
			Warn("Failed to release deposit claim, it frees up once stale")
	}
}

// record writes the confirmed deposit. The funds have already moved, so the
// write outlives cancellation of the run and is retried on transient errors.
func (s *SweepService) record(
	ctx context.Context,
	target *models.SweepTarget,
	d *models.IncomingDeposit,
	vault common.Address,
	hash common.Hash,
	assets, shares *big.Int,
) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	sweptAt := s.now()
	sweptTx := hash.Hex()
	rec := &storage.SweepRecord{
		Deposit: &models.EarnDeposit{
			UserDID:           target.UserDID,
			SafeAddress:       types.NormalizeAddress(target.SafeAddress),
			VaultAddress:      strings.ToLower(vault.Hex()),
			TokenAddress:      s.tokenKey,
			AssetsDeposited:   assets,
			SharesReceived:    shares,
			TxHash:            sweptTx,
			SourceTxHash:      d.TxHash,
			DepositPercentage: target.Percentage,
			Timestamp:         sweptAt,
		},
		Mark: models.SweepMark{
			TxHash:      d.TxHash,
			SweptAmount: assets,
			Percentage:  target.Percentage,
			SweptTxHash: &sweptTx,
			SweptAt:     sweptAt,
		},
	}

	var marked bool
	err := retry.WithRetry(ctx, s.recordRetry, func(ctx context.Context, attempt int) error {
		var err error
		marked, err = s.ledger.RecordSweep(ctx, rec)
		return err
	})
	return marked, err
}

// isRetryableRecordError rejects constraint violations, which repeat identically
func isRetryableRecordError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
