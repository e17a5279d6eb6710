package adapter

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/auto-earn/internal/config"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testModule = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testToken  = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testSafe   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testVault  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type callHandler func(to common.Address, args []interface{}) ([]interface{}, error)

// fakeBackend answers contract calls by method name and records sent transactions
type fakeBackend struct {
	mu sync.Mutex

	handlers  map[string]callHandler
	callCount map[string]int

	pendingNonce uint64
	tip          *big.Int
	baseFee      *big.Int
	gas          uint64
	estimateErr  error
	sendErr      error
	sent         []*ethtypes.Transaction

	receipts      map[common.Hash]*ethtypes.Receipt
	receiptMisses int
	receiptCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handlers:  make(map[string]callHandler),
		callCount: make(map[string]int),
		tip:       big.NewInt(1_000_000),
		baseFee:   big.NewInt(5_000_000),
		gas:       100_000,
		receipts:  make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeBackend) on(method string, h callHandler) {
	f.handlers[method] = h
}

func lookupMethod(data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, errors.New("short calldata")
	}
	for _, contract := range []abi.ABI{autoEarnModuleABI, safeABI, erc4626ABI, erc20ABI} {
		if m, err := contract.MethodById(data[:4]); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", data[:4])
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m, err := lookupMethod(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.callCount[m.Name]++
	h, ok := f.handlers[m.Name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", m.Name)
	}

	out, err := h(*msg.To, args)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gas, f.estimateErr
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptMisses > 0 {
		f.receiptMisses--
		return nil, ethereum.NotFound
	}
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// directRPC runs every call once against a single backend
type directRPC struct {
	backend EthBackend
}

func (d *directRPC) Read(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error {
	return fn(ctx, d.backend)
}

func (d *directRPC) Write(ctx context.Context, op string, fn func(ctx context.Context, b EthBackend) error) error {
	return fn(ctx, d.backend)
}

func newTestVaultClient(t *testing.T, backend *fakeBackend) (*VaultClient, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := NewVaultClient(&directRPC{backend: backend},
		&config.ChainConfig{
			ChainID:             8453,
			ReceiptTimeout:      200 * time.Millisecond,
			ReceiptPollInterval: 5 * time.Millisecond,
		},
		&config.AutoEarnConfig{
			ModuleAddress:     testModule.Hex(),
			RelayerPrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
		})
	require.NoError(t, err)
	return client, key
}

func TestNewVaultClient_Validation(t *testing.T) {
	chain := &config.ChainConfig{ChainID: 8453}

	_, err := NewVaultClient(&directRPC{}, chain, &config.AutoEarnConfig{ModuleAddress: "nope"})
	assert.Equal(t, "CONFIG_ERROR", apperrors.Code(err))

	_, err = NewVaultClient(&directRPC{}, chain, &config.AutoEarnConfig{
		ModuleAddress:     testModule.Hex(),
		RelayerPrivateKey: "zz",
	})
	assert.Equal(t, "CONFIG_ERROR", apperrors.Code(err))

	readOnly, err := NewVaultClient(&directRPC{}, chain, &config.AutoEarnConfig{ModuleAddress: testModule.Hex()})
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, readOnly.Relayer())
	assert.Equal(t, testModule, readOnly.Module())
}

func TestResolveVault_CachesLookups(t *testing.T) {
	backend := newFakeBackend()
	configHash := [32]byte{0x01, 0x02}
	backend.on("accountConfig", func(to common.Address, args []interface{}) ([]interface{}, error) {
		assert.Equal(t, testModule, to)
		assert.Equal(t, testSafe, args[0])
		return []interface{}{configHash}, nil
	})
	backend.on("config", func(to common.Address, args []interface{}) ([]interface{}, error) {
		assert.Equal(t, configHash, args[0])
		assert.Equal(t, int64(8453), args[1].(*big.Int).Int64())
		assert.Equal(t, testToken, args[2])
		return []interface{}{testVault}, nil
	})

	client, _ := newTestVaultClient(t, backend)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		vault, err := client.ResolveVault(ctx, testSafe, testToken)
		require.NoError(t, err)
		assert.Equal(t, testVault, vault)
	}
	assert.Equal(t, 1, backend.callCount["accountConfig"])
	assert.Equal(t, 1, backend.callCount["config"])
}

func TestResolveVault_NotConfigured(t *testing.T) {
	backend := newFakeBackend()
	backend.on("accountConfig", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{[32]byte{}}, nil
	})

	client, _ := newTestVaultClient(t, backend)
	_, err := client.ResolveVault(context.Background(), testSafe, testToken)
	assert.ErrorIs(t, err, ErrNoVaultConfigured)

	backend.on("accountConfig", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{[32]byte{0x09}}, nil
	})
	backend.on("config", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{common.Address{}}, nil
	})
	_, err = client.ResolveVault(context.Background(), testSafe, testToken)
	assert.ErrorIs(t, err, ErrNoVaultConfigured)
}

func TestVaultReads(t *testing.T) {
	backend := newFakeBackend()
	backend.on("balanceOf", func(to common.Address, args []interface{}) ([]interface{}, error) {
		if to == testVault {
			return []interface{}{big.NewInt(950_000)}, nil
		}
		return []interface{}{big.NewInt(2_000_000)}, nil
	})
	backend.on("convertToAssets", func(to common.Address, args []interface{}) ([]interface{}, error) {
		shares := args[0].(*big.Int)
		// 1 share is worth 1.05 assets
		return []interface{}{new(big.Int).Div(new(big.Int).Mul(shares, big.NewInt(105)), big.NewInt(100))}, nil
	})
	backend.on("decimals", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{uint8(6)}, nil
	})
	backend.on("asset", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{testToken}, nil
	})
	backend.on("totalAssets", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(10_500_000)}, nil
	})
	backend.on("totalSupply", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(10_000_000)}, nil
	})
	backend.on("isModuleEnabled", func(to common.Address, args []interface{}) ([]interface{}, error) {
		assert.Equal(t, testSafe, to)
		return []interface{}{args[0] == testModule}, nil
	})

	client, _ := newTestVaultClient(t, backend)
	ctx := context.Background()

	balance, err := client.TokenBalance(ctx, testToken, testSafe)
	require.NoError(t, err)
	assert.Equal(t, "2000000", balance.String())

	shares, err := client.VaultShares(ctx, testVault, testSafe)
	require.NoError(t, err)
	assert.Equal(t, "950000", shares.String())

	assets, err := client.ConvertToAssets(ctx, testVault, shares)
	require.NoError(t, err)
	assert.Equal(t, "997500", assets.String())

	decimals, err := client.TokenDecimals(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), decimals)

	info, err := client.VaultInfo(ctx, testVault)
	require.NoError(t, err)
	assert.Equal(t, testToken, info.Asset)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.Equal(t, "10500000", info.TotalAssets.String())
	assert.Equal(t, "10000000", info.TotalSupply.String())

	enabled, err := client.IsModuleEnabled(ctx, testSafe)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestVaultReads_EmptyResultIsDataError(t *testing.T) {
	client, _ := newTestVaultClient(t, newFakeBackend())
	client.rpc = &directRPC{backend: emptyCallBackend{newFakeBackend()}}

	_, err := client.VaultShares(context.Background(), testVault, testSafe)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryData), err.Error())
}

type emptyCallBackend struct {
	*fakeBackend
}

func (emptyCallBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return []byte{}, nil
}

func TestSimulateAutoEarn(t *testing.T) {
	backend := newFakeBackend()
	backend.on("autoEarn", func(to common.Address, args []interface{}) ([]interface{}, error) {
		assert.Equal(t, testModule, to)
		assert.Equal(t, testToken, args[0])
		assert.Equal(t, "300000", args[1].(*big.Int).String())
		assert.Equal(t, testSafe, args[2])
		return nil, nil
	})

	client, _ := newTestVaultClient(t, backend)
	require.NoError(t, client.SimulateAutoEarn(context.Background(), testToken, big.NewInt(300_000), testSafe))

	backend.on("autoEarn", func(common.Address, []interface{}) ([]interface{}, error) {
		return nil, errors.New("execution reverted: module not enabled")
	})
	err := client.SimulateAutoEarn(context.Background(), testToken, big.NewInt(300_000), testSafe)
	assert.Equal(t, "SIMULATION_FAILED", apperrors.Code(err))

	err = client.SimulateAutoEarn(context.Background(), testToken, big.NewInt(0), testSafe)
	assert.Equal(t, "INVALID_PARAMETER", apperrors.Code(err))
}

func TestSubmitAutoEarn_SignsDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 7

	client, key := newTestVaultClient(t, backend)
	ctx := context.Background()

	hash, err := client.SubmitAutoEarn(ctx, testToken, big.NewInt(300_000), testSafe)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, testModule, *tx.To())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, "1000000", tx.GasTipCap().String())
	assert.Equal(t, "11000000", tx.GasFeeCap().String())
	assert.Equal(t, int64(8453), tx.ChainId().Int64())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
	assert.Equal(t, client.Relayer(), sender)

	args, err := autoEarnModuleABI.Methods["autoEarn"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testToken, args[0])
	assert.Equal(t, "300000", args[1].(*big.Int).String())
	assert.Equal(t, testSafe, args[2])
}

func TestSubmitAutoEarn_NonceAdvancesPastStalePending(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingNonce = 3

	client, _ := newTestVaultClient(t, backend)
	ctx := context.Background()

	_, err := client.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	require.NoError(t, err)
	// node has not caught up with the first broadcast
	_, err = client.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(3), backend.sent[0].Nonce())
	assert.Equal(t, uint64(4), backend.sent[1].Nonce())

	backend.pendingNonce = 9
	_, err = client.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), backend.sent[2].Nonce())
}

func TestSubmitAutoEarn_Failures(t *testing.T) {
	backend := newFakeBackend()
	client, _ := newTestVaultClient(t, backend)
	ctx := context.Background()

	backend.estimateErr = errors.New("execution reverted")
	_, err := client.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	assert.Equal(t, "CHAIN_EXECUTION_FAILED", apperrors.Code(err))
	assert.Empty(t, backend.sent)

	backend.estimateErr = nil
	backend.sendErr = errors.New("nonce too low")
	hash, err := client.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	assert.Equal(t, "CHAIN_EXECUTION_FAILED", apperrors.Code(err))
	assert.Equal(t, common.Hash{}, hash, "a rejected transaction has no hash to track")

	readOnly, err := NewVaultClient(&directRPC{backend: backend}, &config.ChainConfig{ChainID: 8453},
		&config.AutoEarnConfig{ModuleAddress: testModule.Hex()})
	require.NoError(t, err)
	_, err = readOnly.SubmitAutoEarn(ctx, testToken, big.NewInt(10), testSafe)
	assert.Equal(t, "CONFIG_ERROR", apperrors.Code(err))
}

func TestSubmitAutoEarn_UncertainBroadcastReturnsHash(t *testing.T) {
	for _, sendErr := range []error{
		errors.New("Post \"https://rpc\": net/http: request canceled (Client.Timeout exceeded)"),
		fmt.Errorf("write: %w", context.DeadlineExceeded),
		errors.New("unexpected EOF"),
		errors.New("already known"),
	} {
		t.Run(sendErr.Error(), func(t *testing.T) {
			backend := newFakeBackend()
			backend.pendingNonce = 5
			backend.sendErr = sendErr
			client, _ := newTestVaultClient(t, backend)

			hash, err := client.SubmitAutoEarn(context.Background(), testToken, big.NewInt(10), testSafe)
			require.Error(t, err)
			assert.Equal(t, "BROADCAST_UNCERTAIN", apperrors.Code(err))
			assert.NotEqual(t, common.Hash{}, hash)

			var ce *apperrors.CategorizedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, hash.Hex(), ce.Details["txHash"])

			// the next send asks the node for the nonce again
			backend.sendErr = nil
			backend.pendingNonce = 6
			_, err = client.SubmitAutoEarn(context.Background(), testToken, big.NewInt(10), testSafe)
			require.NoError(t, err)
			assert.Equal(t, uint64(6), backend.sent[0].Nonce())
		})
	}
}

func TestWaitForReceipt(t *testing.T) {
	ctx := context.Background()
	hash := common.HexToHash("0xabc")

	t.Run("mined after a few polls", func(t *testing.T) {
		backend := newFakeBackend()
		backend.receiptMisses = 2
		backend.receipts[hash] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: hash}
		client, _ := newTestVaultClient(t, backend)

		receipt, err := client.WaitForReceipt(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TxHash)
		assert.Equal(t, 3, backend.receiptCalls)
	})

	t.Run("reverted", func(t *testing.T) {
		backend := newFakeBackend()
		backend.receipts[hash] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, TxHash: hash}
		client, _ := newTestVaultClient(t, backend)

		receipt, err := client.WaitForReceipt(ctx, hash)
		assert.Equal(t, "CHAIN_EXECUTION_FAILED", apperrors.Code(err))
		require.NotNil(t, receipt)
	})

	t.Run("timeout", func(t *testing.T) {
		backend := newFakeBackend()
		client, _ := newTestVaultClient(t, backend)
		client.receiptTimeout = 30 * time.Millisecond

		start := time.Now()
		_, err := client.WaitForReceipt(ctx, hash)
		assert.Equal(t, "RECEIPT_TIMEOUT", apperrors.Code(err))
		assert.Less(t, time.Since(start), time.Second)
		assert.Greater(t, backend.receiptCalls, 1)
	})
}

func depositLog(t *testing.T, vault, sender, owner common.Address, assets, shares *big.Int) *ethtypes.Log {
	t.Helper()
	event := erc4626ABI.Events["Deposit"]
	data, err := event.Inputs.NonIndexed().Pack(assets, shares)
	require.NoError(t, err)
	return &ethtypes.Log{
		Address: vault,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(owner.Bytes()),
		},
		Data: data,
	}
}

func TestParseVaultDeposit(t *testing.T) {
	transfer := &ethtypes.Log{
		Address: testToken,
		Topics:  []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
	}
	other := depositLog(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), testModule, testSafe, big.NewInt(1), big.NewInt(1))
	match := depositLog(t, testVault, testModule, testSafe, big.NewInt(300_000), big.NewInt(285_714))

	receipt := &ethtypes.Receipt{Logs: []*ethtypes.Log{transfer, other, match}}

	dep, err := ParseVaultDeposit(receipt, testVault, testSafe)
	require.NoError(t, err)
	assert.Equal(t, testVault, dep.Vault)
	assert.Equal(t, testModule, dep.Sender)
	assert.Equal(t, testSafe, dep.Owner)
	assert.Equal(t, "300000", dep.Assets.String())
	assert.Equal(t, "285714", dep.Shares.String())

	// zero vault matches the first Deposit for the owner
	dep, err = ParseVaultDeposit(receipt, common.Address{}, testSafe)
	require.NoError(t, err)
	assert.Equal(t, "1", dep.Assets.String())

	_, err = ParseVaultDeposit(receipt, testVault, testModule)
	assert.ErrorIs(t, err, ErrDepositEventNotFound)

	_, err = ParseVaultDeposit(&ethtypes.Receipt{Logs: []*ethtypes.Log{transfer}}, testVault, testSafe)
	assert.ErrorIs(t, err, ErrDepositEventNotFound)

	_, err = ParseVaultDeposit(nil, testVault, testSafe)
	assert.ErrorIs(t, err, ErrDepositEventNotFound)

	broken := depositLog(t, testVault, testModule, testSafe, big.NewInt(1), big.NewInt(1))
	broken.Data = broken.Data[:10]
	_, err = ParseVaultDeposit(&ethtypes.Receipt{Logs: []*ethtypes.Log{broken}}, testVault, testSafe)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryData))
}
