package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// nonce is read through the EntryPoint
const simpleAccountABIJSON = `[
	{"inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"anOwner","type":"address"}],"name":"initialize","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const simpleFactoryABIJSON = `[
	{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"createAccount","outputs":[{"name":"ret","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// router based account with role permissions
const dynamicAccountABIJSON = `[
	{"inputs":[{"name":"_target","type":"address"},{"name":"_value","type":"uint256"},{"name":"_calldata","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_target","type":"address[]"},{"name":"_value","type":"uint256[]"},{"name":"_calldata","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"getNonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"name":"grantRole","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"name":"hasRole","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const dynamicFactoryABIJSON = `[
	{"inputs":[{"name":"_admin","type":"address"},{"name":"_data","type":"bytes"}],"name":"createAccount","outputs":[{"name":"","type":"address"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_adminSigner","type":"address"},{"name":"_data","type":"bytes"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"accountImplementation","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const entryPointABIJSON = `[
	{"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"name":"getNonce","outputs":[{"name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"userOpHash","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"paymaster","type":"address"},{"indexed":false,"name":"nonce","type":"uint256"},{"indexed":false,"name":"success","type":"bool"},{"indexed":false,"name":"actualGasCost","type":"uint256"},{"indexed":false,"name":"actualGasUsed","type":"uint256"}],"name":"UserOperationEvent","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"userOpHash","type":"bytes32"},{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"nonce","type":"uint256"},{"indexed":false,"name":"revertReason","type":"bytes"}],"name":"UserOperationRevertReason","type":"event"}
]`

var (
	SimpleAccountABI  = mustParseABI("simple account", simpleAccountABIJSON)
	SimpleFactoryABI  = mustParseABI("simple factory", simpleFactoryABIJSON)
	DynamicAccountABI = mustParseABI("dynamic account", dynamicAccountABIJSON)
	DynamicFactoryABI = mustParseABI("dynamic factory", dynamicFactoryABIJSON)
	EntryPointABI     = mustParseABI("entrypoint", entryPointABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("Invalid %s ABI: %w", name, err))
	}
	return parsed
}
