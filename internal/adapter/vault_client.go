package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/auto-earn/internal/config"
	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/puzpuzpuz/xsync/v4"
)

// ErrNoVaultConfigured is returned when the module has no vault for (safe, token)
var ErrNoVaultConfigured = errors.New("no vault configured for account")

// ErrDepositEventNotFound is returned when a receipt carries no matching vault Deposit log
var ErrDepositEventNotFound = errors.New("vault deposit event not found")

// VaultInfo holds the ERC-4626 vault's own view of itself
type VaultInfo struct {
	Address     common.Address
	Asset       common.Address
	Decimals    uint8
	TotalAssets *big.Int
	TotalSupply *big.Int
}

// VaultDeposit is a decoded ERC-4626 Deposit event
type VaultDeposit struct {
	Vault  common.Address
	Sender common.Address
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

// VaultClient talks to the auto-earn module, the Safes it is installed on and
// the ERC-4626 vaults it deposits into.
type VaultClient struct {
	rpc     RPC
	chainID *big.Int
	module  common.Address

	key     *ecdsa.PrivateKey
	relayer common.Address

	receiptTimeout time.Duration
	pollInterval   time.Duration

	// sends from the relayer key are serialized so nonces never collide
	sendMu    sync.Mutex
	nextNonce uint64
	haveNonce bool

	vaults *xsync.Map[string, common.Address]
}

// NewVaultClient creates a vault client. The relayer key is optional for
// read-only use; SubmitAutoEarn fails without it.
func NewVaultClient(rpc RPC, chain *config.ChainConfig, autoEarn *config.AutoEarnConfig) (*VaultClient, error) {
	if !common.IsHexAddress(autoEarn.ModuleAddress) {
		return nil, apperrors.NewConfigError(fmt.Errorf("invalid module address %q", autoEarn.ModuleAddress))
	}

	c := &VaultClient{
		rpc:            rpc,
		chainID:        big.NewInt(chain.ChainID),
		module:         common.HexToAddress(autoEarn.ModuleAddress),
		receiptTimeout: chain.ReceiptTimeout,
		pollInterval:   chain.ReceiptPollInterval,
		vaults:         xsync.NewMap[string, common.Address](),
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}

	if autoEarn.RelayerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(autoEarn.RelayerPrivateKey, "0x"))
		if err != nil {
			return nil, apperrors.NewConfigError(fmt.Errorf("invalid relayer private key: %w", err))
		}
		c.key = key
		c.relayer = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Relayer returns the address that signs module transactions
func (c *VaultClient) Relayer() common.Address {
	return c.relayer
}

// Module returns the auto-earn module address
func (c *VaultClient) Module() common.Address {
	return c.module
}

func (c *VaultClient) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var out []interface{}
	err = c.rpc.Read(ctx, method, func(ctx context.Context, b EthBackend) error {
		res, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out, err = contract.Unpack(method, res)
		if err != nil {
			return apperrors.NewDataError(fmt.Sprintf("failed to decode %s result", method), err)
		}
		if len(out) == 0 {
			return apperrors.NewDataError(fmt.Sprintf("empty %s result", method), nil)
		}
		return nil
	})
	return out, err
}

func (c *VaultClient) callBigInt(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, apperrors.NewDataError(fmt.Sprintf("unexpected %s result type %T", method, out[0]), nil)
	}
	return v, nil
}

func (c *VaultClient) callAddress(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (common.Address, error) {
	out, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, apperrors.NewDataError(fmt.Sprintf("unexpected %s result type %T", method, out[0]), nil)
	}
	return v, nil
}

func (c *VaultClient) callUint8(ctx context.Context, contract abi.ABI, to common.Address, method string) (uint8, error) {
	out, err := c.call(ctx, contract, to, method)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, apperrors.NewDataError(fmt.Sprintf("unexpected %s result type %T", method, out[0]), nil)
	}
	return v, nil
}

// ResolveVault looks up the vault the module deposits token into for safe:
// accountConfig(safe) gives the config hash, config(hash, chainId, token) the vault.
// Results are cached for the life of the client.
func (c *VaultClient) ResolveVault(ctx context.Context, safe, token common.Address) (common.Address, error) {
	key := safe.Hex() + ":" + token.Hex()
	if vault, ok := c.vaults.Load(key); ok {
		return vault, nil
	}

	out, err := c.call(ctx, autoEarnModuleABI, c.module, "accountConfig", safe)
	if err != nil {
		return common.Address{}, err
	}
	configHash, ok := out[0].([32]byte)
	if !ok {
		return common.Address{}, apperrors.NewDataError(fmt.Sprintf("unexpected accountConfig result type %T", out[0]), nil)
	}
	if configHash == ([32]byte{}) {
		return common.Address{}, fmt.Errorf("%w: %s has no account config", ErrNoVaultConfigured, safe.Hex())
	}

	vault, err := c.callAddress(ctx, autoEarnModuleABI, c.module, "config", configHash, c.chainID, token)
	if err != nil {
		return common.Address{}, err
	}
	if vault == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s/%s", ErrNoVaultConfigured, safe.Hex(), token.Hex())
	}

	c.vaults.Store(key, vault)
	return vault, nil
}

// IsModuleEnabled asks the Safe whether the auto-earn module is enabled on it
func (c *VaultClient) IsModuleEnabled(ctx context.Context, safe common.Address) (bool, error) {
	out, err := c.call(ctx, safeABI, safe, "isModuleEnabled", c.module)
	if err != nil {
		return false, err
	}
	enabled, ok := out[0].(bool)
	if !ok {
		return false, apperrors.NewDataError(fmt.Sprintf("unexpected isModuleEnabled result type %T", out[0]), nil)
	}
	return enabled, nil
}

// TokenBalance returns the ERC-20 balance of owner
func (c *VaultClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callBigInt(ctx, erc20ABI, token, "balanceOf", owner)
}

// TokenDecimals returns the ERC-20 decimals of token
func (c *VaultClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	return c.callUint8(ctx, erc20ABI, token, "decimals")
}

// VaultShares returns the vault share balance of owner
func (c *VaultClient) VaultShares(ctx context.Context, vault, owner common.Address) (*big.Int, error) {
	return c.callBigInt(ctx, erc4626ABI, vault, "balanceOf", owner)
}

// ConvertToAssets asks the vault what shares are worth in its underlying asset
func (c *VaultClient) ConvertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	return c.callBigInt(ctx, erc4626ABI, vault, "convertToAssets", shares)
}

// VaultInfo reads asset, decimals, totalAssets and totalSupply from the vault
func (c *VaultClient) VaultInfo(ctx context.Context, vault common.Address) (*VaultInfo, error) {
	info := &VaultInfo{Address: vault}

	var err error
	if info.Asset, err = c.callAddress(ctx, erc4626ABI, vault, "asset"); err != nil {
		return nil, err
	}
	if info.Decimals, err = c.callUint8(ctx, erc4626ABI, vault, "decimals"); err != nil {
		return nil, err
	}
	if info.TotalAssets, err = c.callBigInt(ctx, erc4626ABI, vault, "totalAssets"); err != nil {
		return nil, err
	}
	if info.TotalSupply, err = c.callBigInt(ctx, erc4626ABI, vault, "totalSupply"); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *VaultClient) packAutoEarn(token common.Address, amount *big.Int, safe common.Address) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be positive")
	}
	return autoEarnModuleABI.Pack("autoEarn", token, amount, safe)
}

// SimulateAutoEarn runs autoEarn(token, amount, safe) as an eth_call from the relayer
func (c *VaultClient) SimulateAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) error {
	data, err := c.packAutoEarn(token, amount, safe)
	if err != nil {
		return err
	}

	err = c.rpc.Write(ctx, "simulateAutoEarn", func(ctx context.Context, b EthBackend) error {
		_, err := b.CallContract(ctx, ethereum.CallMsg{From: c.relayer, To: &c.module, Data: data}, nil)
		return err
	})
	if err != nil {
		return apperrors.NewSimulationError(err)
	}
	return nil
}

// SubmitAutoEarn signs and broadcasts autoEarn(token, amount, safe) as an
// EIP-1559 transaction from the relayer and returns its hash.
func (c *VaultClient) SubmitAutoEarn(ctx context.Context, token common.Address, amount *big.Int, safe common.Address) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, apperrors.NewConfigError(errors.New("relayer private key not configured"))
	}
	data, err := c.packAutoEarn(token, amount, safe)
	if err != nil {
		return common.Hash{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var (
		signed  *ethtypes.Transaction
		sendErr error
	)
	err = c.rpc.Write(ctx, "autoEarn", func(ctx context.Context, b EthBackend) error {
		nonce, err := b.PendingNonceAt(ctx, c.relayer)
		if err != nil {
			return fmt.Errorf("failed to get nonce: %w", err)
		}
		// the node may not have seen our previous broadcast yet
		if c.haveNonce && c.nextNonce > nonce {
			nonce = c.nextNonce
		}

		gasTipCap, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("failed to get gas tip: %w", err)
		}
		head, err := b.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to get header: %w", err)
		}
		baseFee := head.BaseFee
		if baseFee == nil {
			baseFee = big.NewInt(0)
		}
		// 2*baseFee + tip survives a few full blocks of base fee growth
		gasFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), gasTipCap)

		gas, err := b.EstimateGas(ctx, ethereum.CallMsg{From: c.relayer, To: &c.module, Data: data})
		if err != nil {
			return fmt.Errorf("failed to estimate gas: %w", err)
		}
		gas += gas / 5

		tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: gasTipCap,
			GasFeeCap: gasFeeCap,
			Gas:       gas,
			To:        &c.module,
			Value:     big.NewInt(0),
			Data:      data,
		})
		signed, err = ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
		if err != nil {
			return fmt.Errorf("sign failed: %w", err)
		}

		if err := b.SendTransaction(ctx, signed); err != nil {
			c.haveNonce = false
			sendErr = err
			return fmt.Errorf("broadcast failed: %w", err)
		}
		c.nextNonce = nonce + 1
		c.haveNonce = true
		return nil
	})
	if err != nil {
		if sendErr != nil && maybeBroadcast(sendErr) {
			hash := signed.Hash()
			logging.FromContext(ctx).WithError(sendErr).WithFields(map[string]interface{}{
				"txHash": hash.Hex(),
				"nonce":  signed.Nonce(),
				"safe":   safe.Hex(),
				"amount": amount.String(),
			}).Error("autoEarn broadcast outcome unknown, transaction may be pending")
			return hash, apperrors.NewBroadcastUncertainError(hash.Hex(), sendErr)
		}
		return common.Hash{}, apperrors.NewExecutionError("", err.Error())
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"txHash": signed.Hash().Hex(),
		"nonce":  signed.Nonce(),
		"safe":   safe.Hex(),
		"amount": amount.String(),
	}).Info("autoEarn transaction broadcast")

	return signed.Hash(), nil
}

// maybeBroadcast reports whether a failed eth_sendRawTransaction may still have
// reached the node: the request timed out or the connection dropped after it
// was written, or the node already holds the transaction.
func maybeBroadcast(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "eof", "connection reset", "broken pipe", "already known", "known transaction"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WaitForReceipt polls for the receipt of hash until it is mined or the receipt
// timeout expires. A reverted receipt is returned together with an execution error.
func (c *VaultClient) WaitForReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	logger := logging.FromContext(ctx).WithField("txHash", hash.Hex())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *ethtypes.Receipt
		err := c.rpc.Write(ctx, "eth_getTransactionReceipt", func(ctx context.Context, b EthBackend) error {
			var err error
			receipt, err = b.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil {
			if receipt.Status != ethtypes.ReceiptStatusSuccessful {
				return receipt, apperrors.NewExecutionError(hash.Hex(), "transaction reverted")
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logger.WithError(err).Debug("Receipt lookup failed, will retry")
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.NewReceiptTimeoutError(hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// ParseVaultDeposit finds the ERC-4626 Deposit event emitted by vault for owner.
// A zero vault or owner matches any.
func ParseVaultDeposit(receipt *ethtypes.Receipt, vault, owner common.Address) (*VaultDeposit, error) {
	if receipt == nil {
		return nil, ErrDepositEventNotFound
	}
	event := erc4626ABI.Events["Deposit"]

	var decodeErr error
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != event.ID {
			continue
		}
		if vault != (common.Address{}) && lg.Address != vault {
			continue
		}
		logOwner := common.BytesToAddress(lg.Topics[2].Bytes())
		if owner != (common.Address{}) && logOwner != owner {
			continue
		}

		values, err := erc4626ABI.Unpack("Deposit", lg.Data)
		if err != nil || len(values) != 2 {
			decodeErr = fmt.Errorf("failed to decode Deposit log %d: %v", lg.Index, err)
			continue
		}
		assets, okA := values[0].(*big.Int)
		shares, okS := values[1].(*big.Int)
		if !okA || !okS {
			decodeErr = fmt.Errorf("unexpected Deposit log field types in log %d", lg.Index)
			continue
		}

		return &VaultDeposit{
			Vault:  lg.Address,
			Sender: common.BytesToAddress(lg.Topics[1].Bytes()),
			Owner:  logOwner,
			Assets: assets,
			Shares: shares,
		}, nil
	}

	if decodeErr != nil {
		return nil, apperrors.NewDataError("malformed vault Deposit event", decodeErr)
	}
	return nil, ErrDepositEventNotFound
}
