// Package claim prepares the calls of the demo drop flows: free claims on
// thirdweb style DropERC20, DropERC721 and DropERC1155 contracts and the cat
// attack game. Nothing here sends anything; the calls are handed to a
// smart account provider.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
)

// NativeToken is the currency address drops use for the chain's own coin.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var oneEther = big.NewInt(params.Ether)

var ErrNoClaimCondition = errors.New("drop has no active claim condition")

type ClaimCondition struct {
	StartTimestamp         *big.Int
	MaxClaimableSupply     *big.Int
	SupplyClaimed          *big.Int
	QuantityLimitPerWallet *big.Int
	MerkleRoot             [32]byte
	PricePerToken          *big.Int
	Currency               common.Address
	Metadata               string
}

type AllowlistProof struct {
	Proof                  [][32]byte
	QuantityLimitPerWallet *big.Int
	PricePerToken          *big.Int
	Currency               common.Address
}

// openProof claims under the public condition, without an allowlist override.
func openProof() AllowlistProof {
	return AllowlistProof{
		Proof:                  [][32]byte{},
		QuantityLimitPerWallet: new(big.Int),
		PricePerToken:          new(big.Int).Set(math.MaxBig256),
		Currency:               common.Address{},
	}
}

// Drops reads drop contracts and encodes claims against them.
type Drops struct {
	caller bind.ContractCaller
}

func NewDrops(caller bind.ContractCaller) *Drops {
	return &Drops{caller: caller}
}

func (d *Drops) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	bound := bind.NewBoundContract(contract, parsed, d.caller, nil, nil)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	return out, nil
}

func (d *Drops) callUint(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	out, err := d.call(ctx, contract, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want uint256", method, out[0])
	}
	return v, nil
}

// activeCondition reads the condition claims are currently checked against.
// args select the token for editions.
func (d *Drops) activeCondition(ctx context.Context, contract common.Address, parsed abi.ABI, args ...interface{}) (*ClaimCondition, error) {
	id, err := d.callUint(ctx, contract, parsed, "getActiveClaimConditionId", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoClaimCondition, err)
	}
	out, err := d.call(ctx, contract, parsed, "getClaimConditionById", append(args, id)...)
	if err != nil {
		return nil, err
	}
	cond := *abi.ConvertType(out[0], new(ClaimCondition)).(*ClaimCondition)
	return &cond, nil
}

func (d *Drops) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := d.call(ctx, token, DropABI, "decimals")
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", out[0])
	}
	return v, nil
}

// TokenBalance is owner's DropERC20 balance in whole tokens.
func (d *Drops) TokenBalance(ctx context.Context, token, owner common.Address) (decimal.Decimal, error) {
	decimals, err := d.Decimals(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := d.callUint(ctx, token, DropABI, "balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(bal, -int32(decimals)), nil
}

func (d *Drops) EditionBalance(ctx context.Context, edition, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	return d.callUint(ctx, edition, EditionABI, "balanceOf", owner, tokenID)
}

// ERC20 claims amount whole tokens for receiver.
func (d *Drops) ERC20(ctx context.Context, token, receiver common.Address, amount decimal.Decimal) (aa.Call, error) {
	if !amount.IsPositive() {
		return aa.Call{}, fmt.Errorf("claim amount must be positive, got %s", amount)
	}
	decimals, err := d.Decimals(ctx, token)
	if err != nil {
		return aa.Call{}, err
	}
	units := amount.Shift(int32(decimals))
	if !units.IsInteger() {
		return aa.Call{}, fmt.Errorf("%s has more than %d decimals", amount, decimals)
	}
	quantity := units.BigInt()

	cond, err := d.activeCondition(ctx, token, DropABI)
	if err != nil {
		return aa.Call{}, err
	}
	// DropERC20 charges price * quantity / 1e18 whatever the token's decimals
	total := new(big.Int).Mul(cond.PricePerToken, quantity)
	total.Div(total, oneEther)

	data, err := DropABI.Pack("claim", receiver, quantity, cond.Currency, cond.PricePerToken, openProof(), []byte{})
	if err != nil {
		return aa.Call{}, err
	}
	return aa.Call{Target: token, Value: nativeValue(cond.Currency, total), Data: data}, nil
}

// ERC721 claims quantity tokens of a DropERC721 collection.
func (d *Drops) ERC721(ctx context.Context, collection, receiver common.Address, quantity int64) (aa.Call, error) {
	if quantity <= 0 {
		return aa.Call{}, fmt.Errorf("claim quantity must be positive, got %d", quantity)
	}
	cond, err := d.activeCondition(ctx, collection, DropABI)
	if err != nil {
		return aa.Call{}, err
	}
	qty := big.NewInt(quantity)
	data, err := DropABI.Pack("claim", receiver, qty, cond.Currency, cond.PricePerToken, openProof(), []byte{})
	if err != nil {
		return aa.Call{}, err
	}
	total := new(big.Int).Mul(cond.PricePerToken, qty)
	return aa.Call{Target: collection, Value: nativeValue(cond.Currency, total), Data: data}, nil
}

// ERC1155 claims quantity of tokenID from a DropERC1155 edition.
func (d *Drops) ERC1155(ctx context.Context, edition, receiver common.Address, tokenID *big.Int, quantity int64) (aa.Call, error) {
	if quantity <= 0 {
		return aa.Call{}, fmt.Errorf("claim quantity must be positive, got %d", quantity)
	}
	cond, err := d.activeCondition(ctx, edition, EditionABI, tokenID)
	if err != nil {
		return aa.Call{}, err
	}
	qty := big.NewInt(quantity)
	data, err := EditionABI.Pack("claim", receiver, tokenID, qty, cond.Currency, cond.PricePerToken, openProof(), []byte{})
	if err != nil {
		return aa.Call{}, err
	}
	total := new(big.Int).Mul(cond.PricePerToken, qty)
	return aa.Call{Target: edition, Value: nativeValue(cond.Currency, total), Data: data}, nil
}

// nativeValue is what the account forwards with the claim. ERC20 priced
// drops pull the payment through an allowance instead.
func nativeValue(currency common.Address, total *big.Int) *big.Int {
	if currency == NativeToken {
		return total
	}
	return new(big.Int)
}
