package adapter

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const erc4626ABIJSON = `[
	{"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"name":"assets","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"asset","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalAssets","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"sender","type":"address"},
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":false,"name":"assets","type":"uint256"},
		{"indexed":false,"name":"shares","type":"uint256"}
	],"name":"Deposit","type":"event"}
]`

const autoEarnModuleABIJSON = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amountToSave","type":"uint256"},{"name":"safe","type":"address"}],"name":"autoEarn","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"accountConfig","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"configHash","type":"bytes32"},{"name":"chainId","type":"uint256"},{"name":"token","type":"address"}],"name":"config","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const safeABIJSON = `[
	{"inputs":[{"name":"module","type":"address"}],"name":"isModuleEnabled","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

var (
	erc20ABI          = mustParseABI(erc20ABIJSON)
	erc4626ABI        = mustParseABI(erc4626ABIJSON)
	autoEarnModuleABI = mustParseABI(autoEarnModuleABIJSON)
	safeABI           = mustParseABI(safeABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
