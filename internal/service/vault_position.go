package service

import (
	"context"
	"math/big"
	"strings"

	apperrors "github.com/auto-earn/internal/errors"
	"github.com/auto-earn/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// VaultPosition is a Safe's vault holding as reported by the vault itself
type VaultPosition struct {
	SafeAddress      string `json:"safeAddress"`
	TokenAddress     string `json:"tokenAddress"`
	VaultAddress     string `json:"vaultAddress"`
	AssetAddress     string `json:"assetAddress"`
	Decimals         uint8  `json:"decimals"`
	Shares           string `json:"shares"`
	Assets           string `json:"assets"`
	AssetsFormatted  string `json:"assetsFormatted"`
	WalletBalance    string `json:"walletBalance"`
	WalletFormatted  string `json:"walletBalanceFormatted"`
	VaultTotalAssets string `json:"vaultTotalAssets"`
	VaultTotalSupply string `json:"vaultTotalSupply"`
	AssetsPerShare   string `json:"assetsPerShare"`
}

// VaultPositionService reads vault positions straight from the chain
type VaultPositionService struct {
	reader VaultReader
	token  common.Address
}

// NewVaultPositionService creates a new vault position service for token
func NewVaultPositionService(reader VaultReader, tokenAddress string) *VaultPositionService {
	return &VaultPositionService{
		reader: reader,
		token:  common.HexToAddress(tokenAddress),
	}
}

// GetPosition returns the vault shares of safe and their asset value, using the
// vault's own convertToAssets rather than any local exchange rate.
func (s *VaultPositionService) GetPosition(ctx context.Context, safe string) (*VaultPosition, error) {
	if !types.IsHexAddress(safe) {
		return nil, apperrors.NewInvalidAddressError(safe)
	}
	owner := common.HexToAddress(safe)

	vault, err := s.reader.ResolveVault(ctx, owner, s.token)
	if err != nil {
		return nil, err
	}

	info, err := s.reader.VaultInfo(ctx, vault)
	if err != nil {
		return nil, err
	}
	shares, err := s.reader.VaultShares(ctx, vault, owner)
	if err != nil {
		return nil, err
	}
	assets, err := s.reader.ConvertToAssets(ctx, vault, shares)
	if err != nil {
		return nil, err
	}
	wallet, err := s.reader.TokenBalance(ctx, s.token, owner)
	if err != nil {
		return nil, err
	}

	pos := &VaultPosition{
		SafeAddress:      types.NormalizeAddress(safe),
		TokenAddress:     strings.ToLower(s.token.Hex()),
		VaultAddress:     strings.ToLower(vault.Hex()),
		AssetAddress:     strings.ToLower(info.Asset.Hex()),
		Decimals:         info.Decimals,
		Shares:           shares.String(),
		Assets:           assets.String(),
		AssetsFormatted:  FormatUnits(assets, info.Decimals),
		WalletBalance:    wallet.String(),
		WalletFormatted:  FormatUnits(wallet, info.Decimals),
		VaultTotalAssets: bigString(info.TotalAssets),
		VaultTotalSupply: bigString(info.TotalSupply),
		AssetsPerShare:   assetsPerShare(info.TotalAssets, info.TotalSupply),
	}
	return pos, nil
}

// assetsPerShare is for display only; both totals are in base units
func assetsPerShare(totalAssets, totalSupply *big.Int) string {
	if totalAssets == nil || totalSupply == nil || totalSupply.Sign() == 0 {
		return "0"
	}
	return decimal.NewFromBigInt(totalAssets, 0).
		DivRound(decimal.NewFromBigInt(totalSupply, 0), 18).
		String()
}
