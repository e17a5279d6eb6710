package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/auto-earn/internal/adapter"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/models"
	"github.com/auto-earn/internal/storage"
	"github.com/auto-earn/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testUSDC   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	testSafeA  = "0x1111111111111111111111111111111111111111"
	testSafeB  = "0x2222222222222222222222222222222222222222"
	testVault  = "0x9999999999999999999999999999999999999999"
	testSender = "0x4444444444444444444444444444444444444444"
	testModule = "0x00000000000000000000000000000000000000aa"
)

func testTxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

// memLedger is an in-memory stand-in for the four sweep tables. It keeps the
// same guarantees as the postgres repositories: unique tx hashes and a
// conditional swept transition.
type memLedger struct {
	mu       sync.Mutex
	deposits map[string]*models.IncomingDeposit
	earn     []*models.EarnDeposit
	alloc    map[string]*models.AllocationState
	touched  map[string]time.Time
	claims   map[string]*memClaim

	insertErr      map[string]error
	listErr        error
	recordFailures int // RecordSweep fails this many times before succeeding
	recordErr      error
	recordCalls    int
	zeroErr        error
	claimErr       error
	sumErr         error
	setErr         error
}

func newMemLedger() *memLedger {
	return &memLedger{
		deposits:  make(map[string]*models.IncomingDeposit),
		alloc:     make(map[string]*models.AllocationState),
		touched:   make(map[string]time.Time),
		claims:    make(map[string]*memClaim),
		insertErr: make(map[string]error),
	}
}

type memClaim struct {
	owner string
	at    time.Time
	tx    string
}

func (m *memLedger) seed(safe string, n int, amount int64, at time.Time) *models.IncomingDeposit {
	d := &models.IncomingDeposit{
		SafeAddress:  safe,
		TxHash:       testTxHash(n),
		FromAddress:  testSender,
		TokenAddress: testUSDC,
		Amount:       big.NewInt(amount),
		BlockNumber:  uint64(n),
		Timestamp:    at,
	}
	m.mu.Lock()
	m.deposits[d.TxHash] = d
	m.mu.Unlock()
	return d
}

func (m *memLedger) deposit(txHash string) *models.IncomingDeposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[txHash]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deposits)
}

func (m *memLedger) earnDeposits() []*models.EarnDeposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.EarnDeposit(nil), m.earn...)
}

func (m *memLedger) LatestTimestamp(ctx context.Context, safe, token string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, d := range m.deposits {
		if d.SafeAddress != safe || d.TokenAddress != token {
			continue
		}
		if latest == nil || d.Timestamp.After(*latest) {
			ts := d.Timestamp
			latest = &ts
		}
	}
	return latest, nil
}

func (m *memLedger) InsertIfAbsent(ctx context.Context, d *models.IncomingDeposit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.insertErr[d.TxHash]; err != nil {
		return false, err
	}
	if _, ok := m.deposits[d.TxHash]; ok {
		return false, nil
	}
	cp := *d
	m.deposits[d.TxHash] = &cp
	return true, nil
}

func (m *memLedger) ListUnswept(ctx context.Context, safe, token string) ([]*models.IncomingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.IncomingDeposit
	for _, d := range m.deposits {
		if d.SafeAddress == safe && d.TokenAddress == token && !d.Swept {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// markLocked applies the conditional swept transition. Caller holds mu.
func (m *memLedger) markLocked(mark models.SweepMark) bool {
	d, ok := m.deposits[mark.TxHash]
	if !ok || d.Swept {
		return false
	}
	pct := mark.Percentage
	at := mark.SweptAt
	d.Swept = true
	d.SweptAmount = new(big.Int).Set(mark.SweptAmount)
	d.SweptPercentage = &pct
	d.SweptTxHash = mark.SweptTxHash
	d.SweptAt = &at
	delete(m.claims, mark.TxHash)
	return true
}

func (m *memLedger) ClaimForSweep(ctx context.Context, txHash, owner string, now, staleBefore time.Time) (bool, *string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, nil, m.claimErr
	}
	d, ok := m.deposits[txHash]
	if !ok || d.Swept {
		return false, nil, nil
	}
	c := m.claims[txHash]
	if c != nil && c.owner != owner && !c.at.Before(staleBefore) {
		return false, nil, nil
	}
	var previous *string
	if c != nil && c.tx != "" {
		tx := c.tx
		previous = &tx
	}
	next := &memClaim{owner: owner, at: now}
	if c != nil {
		next.tx = c.tx
	}
	m.claims[txHash] = next
	return true, previous, nil
}

func (m *memLedger) AttachClaimTx(ctx context.Context, txHash, owner, sweptTx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.claims[txHash]; c != nil && c.owner == owner {
		c.tx = sweptTx
	}
	return nil
}

func (m *memLedger) ReleaseClaim(ctx context.Context, txHash, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.claims[txHash]; c != nil && c.owner == owner {
		delete(m.claims, txHash)
	}
	return nil
}

// claim returns a copy of the claim on txHash, or nil
func (m *memLedger) claim(txHash string) *memClaim {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[txHash]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *memLedger) RecordSweep(ctx context.Context, rec *storage.SweepRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordFailures > 0 {
		m.recordFailures--
		return false, m.recordErr
	}
	marked := m.markLocked(rec.Mark)

	cp := *rec.Deposit
	m.earn = append(m.earn, &cp)

	safe := rec.Deposit.SafeAddress
	state, ok := m.alloc[safe]
	if !ok {
		state = &models.AllocationState{SafeAddress: safe, TotalDeposited: new(big.Int)}
		m.alloc[safe] = state
	}
	state.TotalDeposited = new(big.Int).Add(state.TotalDeposited, rec.Deposit.AssetsDeposited)
	state.DepositCount++
	state.LastUpdated = rec.Deposit.Timestamp

	m.touched[rec.Deposit.UserDID+"|"+safe] = rec.Deposit.Timestamp
	return marked, nil
}

func (m *memLedger) RecordZeroSweep(ctx context.Context, mark models.SweepMark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.zeroErr != nil {
		return false, m.zeroErr
	}
	return m.markLocked(mark), nil
}

func (m *memLedger) ListBySafe(ctx context.Context, safe string, limit int) ([]*models.EarnDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EarnDeposit
	for _, e := range m.earn {
		if e.SafeAddress == safe {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memLedger) SumBySafe(ctx context.Context, safe string) (*big.Int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sumErr != nil {
		return nil, 0, m.sumErr
	}
	total, n := new(big.Int), 0
	for _, e := range m.earn {
		if e.SafeAddress == safe {
			total.Add(total, e.AssetsDeposited)
			n++
		}
	}
	return total, n, nil
}

func (m *memLedger) Get(ctx context.Context, safe string) (*models.AllocationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.alloc[safe]
	if !ok {
		return &models.AllocationState{SafeAddress: safe, TotalDeposited: new(big.Int)}, nil
	}
	cp := *state
	return &cp, nil
}

func (m *memLedger) Set(ctx context.Context, state *models.AllocationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	cp := *state
	m.alloc[state.SafeAddress] = &cp
	return nil
}

// mockConfigRepository holds configs keyed by user and Safe
type mockConfigRepository struct {
	mu       sync.Mutex
	configs  []*models.AutoEarnConfig
	targets  []*models.SweepTarget
	modules  map[string]bool
	listErr  error
	upsert   error
	setCalls int
}

func newMockConfigRepository(targets ...*models.SweepTarget) *mockConfigRepository {
	return &mockConfigRepository{targets: targets, modules: make(map[string]bool)}
}

func (m *mockConfigRepository) Upsert(ctx context.Context, cfg *models.AutoEarnConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsert != nil {
		return m.upsert
	}
	for i, c := range m.configs {
		if c.UserDID == cfg.UserDID && c.SafeAddress == cfg.SafeAddress {
			m.configs[i] = cfg
			return nil
		}
	}
	m.configs = append(m.configs, cfg)
	return nil
}

func (m *mockConfigRepository) Get(ctx context.Context, userDID, safe string) (*models.AutoEarnConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.UserDID == userDID && c.SafeAddress == safe {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockConfigRepository) ListTrackedSafes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range m.targets {
		if !seen[t.SafeAddress] {
			seen[t.SafeAddress] = true
			out = append(out, t.SafeAddress)
		}
	}
	return out, nil
}

func (m *mockConfigRepository) ListSweepTargets(ctx context.Context) ([]*models.SweepTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.targets, nil
}

func (m *mockConfigRepository) SetModuleEnabled(ctx context.Context, safe string, chainID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	m.modules[safe] = enabled
	return nil
}

type submission struct {
	safe   common.Address
	amount *big.Int
}

// fakeChain is a scripted VaultExecutor and VaultReader
type fakeChain struct {
	mu sync.Mutex

	vault       common.Address
	vaultErr    error
	moduleOn    map[common.Address]bool
	moduleErr   error
	simulateErr map[common.Address]error
	submitErr   error
	submitHash  bool // return the hash together with submitErr
	receiptErr  map[common.Address]error
	emitEvent   bool
	onReceipt   func(hash common.Hash)
	shareRate   [2]int64 // shares = assets * num / den

	simulated []*big.Int
	submitted []*big.Int
	nonce     int
	pending   map[common.Hash]submission

	unknownTxErr error // receipt error for hashes this chain never sent
	receiptCalls int

	shares      *big.Int
	assets      *big.Int
	wallet      *big.Int
	info        *adapter.VaultInfo
	resolveHits int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		vault:       common.HexToAddress(testVault),
		moduleOn:    make(map[common.Address]bool),
		simulateErr: make(map[common.Address]error),
		receiptErr:  make(map[common.Address]error),
		emitEvent:   true,
		shareRate:   [2]int64{95, 100},
		pending:     make(map[common.Hash]submission),
	}
}

func (f *fakeChain) IsModuleEnabled(ctx context.Context, safe common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moduleErr != nil {
		return false, f.moduleErr
	}
	return f.moduleOn[safe], nil
}

func (f *fakeChain) ResolveVault(ctx context.Context, safe, token common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveHits++
	if f.vaultErr != nil {
		return common.Address{}, f.vaultErr
	}
	return f.vault, nil
}

func (f *fakeChain) SimulateAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated = append(f.simulated, new(big.Int).Set(amount))
	return f.simulateErr[safe]
}

func (f *fakeChain) SubmitAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil && !f.submitHash {
		return common.Hash{}, f.submitErr
	}
	f.nonce++
	hash := common.BigToHash(big.NewInt(int64(0xabc000 + f.nonce)))
	f.submitted = append(f.submitted, new(big.Int).Set(amount))
	f.pending[hash] = submission{safe: safe, amount: new(big.Int).Set(amount)}
	return hash, f.submitErr
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	f.receiptCalls++
	sub, known := f.pending[hash]
	err := f.receiptErr[sub.safe]
	if !known {
		err = f.unknownTxErr
		if err == nil {
			err = ethereum.NotFound
		}
	}
	onReceipt := f.onReceipt
	f.mu.Unlock()

	if err != nil {
		// a reverted transaction still has a receipt
		if apperrors.Code(err) == "CHAIN_EXECUTION_FAILED" {
			return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, TxHash: hash}, err
		}
		return nil, err
	}
	if onReceipt != nil {
		onReceipt(hash)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	receipt := &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: hash}
	if f.emitEvent {
		shares := new(big.Int).Mul(sub.amount, big.NewInt(f.shareRate[0]))
		shares.Quo(shares, big.NewInt(f.shareRate[1]))
		receipt.Logs = append(receipt.Logs, vaultDepositLog(f.vault, common.HexToAddress(testModule), sub.safe, sub.amount, shares))
	}
	return receipt, nil
}

func (f *fakeChain) VaultShares(ctx context.Context, vault, owner common.Address) (*big.Int, error) {
	return f.shares, nil
}

func (f *fakeChain) ConvertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	return f.assets, nil
}

func (f *fakeChain) VaultInfo(ctx context.Context, vault common.Address) (*adapter.VaultInfo, error) {
	if f.info == nil {
		return nil, errors.New("no vault info")
	}
	return f.info, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return f.wallet, nil
}

func (f *fakeChain) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// vaultDepositLog builds an ERC-4626 Deposit(sender, owner, assets, shares) log
func vaultDepositLog(vault, sender, owner common.Address, assets, shares *big.Int) *ethtypes.Log {
	data := append(common.LeftPadBytes(assets.Bytes(), 32), common.LeftPadBytes(shares.Bytes(), 32)...)
	return &ethtypes.Log{
		Address: vault,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint256)")),
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
		Data: data,
	}
}

// mockLocker grants locks per Safe, refusing those listed in held
type mockLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released []string
	leases   map[string]*mockLease
}

func (m *mockLocker) TryLockAccount(ctx context.Context, safe string) (storage.Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	if m.held[safe] {
		return nil, false, nil
	}
	lease := &mockLease{lost: make(chan struct{}), release: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.released = append(m.released, safe)
	}}
	if m.leases == nil {
		m.leases = make(map[string]*mockLease)
	}
	m.leases[safe] = lease
	return lease, true, nil
}

// lease returns the lease last handed out for safe
func (m *mockLocker) lease(safe string) *mockLease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[safe]
}

type mockLease struct {
	lost    chan struct{}
	once    sync.Once
	release func()
}

func (l *mockLease) Lost() <-chan struct{} { return l.lost }

func (l *mockLease) Release(context.Context) error {
	l.release()
	return nil
}

// expire simulates the watchdog giving up on the lock
func (l *mockLease) expire() {
	l.once.Do(func() { close(l.lost) })
}

// mockTransferSource serves canned transfers per Safe. With pageSize set it
// pages like the transfer service: since is applied, pages stop at maxPages and
// failAfter makes the fetch fail once that many pages were handed out.
type mockTransferSource struct {
	mu          sync.Mutex
	transfers   map[string][]*adapter.IncomingTransfer
	errs        map[string]error
	since       map[string]*time.Time
	queries     map[string]adapter.TransferQuery
	pageSize    int
	maxPages    int
	failAfter   map[string]int
	filterSince bool
}

func newMockTransferSource() *mockTransferSource {
	return &mockTransferSource{
		transfers: make(map[string][]*adapter.IncomingTransfer),
		errs:      make(map[string]error),
		since:     make(map[string]*time.Time),
		queries:   make(map[string]adapter.TransferQuery),
		failAfter: make(map[string]int),
	}
}

func (m *mockTransferSource) FetchIncomingTransfers(ctx context.Context, safe string, q adapter.TransferQuery, visit adapter.TransferPageFunc) (bool, error) {
	m.mu.Lock()
	m.since[safe] = q.Since
	m.queries[safe] = q
	if err := m.errs[safe]; err != nil && m.failAfter[safe] == 0 {
		m.mu.Unlock()
		return false, err
	}
	var all []*adapter.IncomingTransfer
	for _, tr := range m.transfers[strings.ToLower(safe)] {
		if m.filterSince && q.Since != nil && tr != nil && tr.ExecutionDate.Before(*q.Since) {
			continue
		}
		all = append(all, tr)
	}
	size, maxPages, failAfter, failErr := m.pageSize, m.maxPages, m.failAfter[safe], m.errs[safe]
	m.mu.Unlock()

	if size <= 0 {
		return false, visit(all)
	}
	for page := 0; len(all) > 0; page++ {
		if maxPages > 0 && page >= maxPages {
			return true, nil
		}
		if failAfter > 0 && page >= failAfter {
			return false, failErr
		}
		n := size
		if n > len(all) {
			n = len(all)
		}
		if err := visit(all[:n]); err != nil {
			return false, err
		}
		all = all[n:]
	}
	return false, nil
}

func strPtr(s string) *string {
	return &s
}

func erc20Transfer(n int, to, token, value string, at time.Time) *adapter.IncomingTransfer {
	return &adapter.IncomingTransfer{
		Type:            types.TransferTypeERC20,
		ExecutionDate:   at,
		BlockNumber:     uint64(n),
		TransactionHash: testTxHash(n),
		To:              to,
		From:            testSender,
		Value:           strPtr(value),
		TokenAddress:    strPtr(token),
		TokenInfo:       &adapter.TokenInfo{Type: "ERC20", Address: token, Symbol: "USDC", Decimals: 6},
	}
}
