package aa

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"
)

var adminSaltArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("bytes")},
}

// DynamicAccount is a router based account created as an EIP-1167 clone of
// the factory's account implementation. Besides the admin it supports
// additional signers through role permissions.
type DynamicAccount struct {
	baseAccount

	implementation common.Address
}

// NewDynamicAccount requires the account implementation so the address can
// be derived without touching the chain.
func NewDynamicAccount(cfg AccountConfig, caller bind.ContractCaller) (*DynamicAccount, error) {
	if cfg.Implementation == (common.Address{}) {
		return nil, errors.New("dynamic account requires the account implementation address")
	}
	base, err := newBaseAccount(cfg, caller, DynamicAccountABI, DynamicFactoryABI)
	if err != nil {
		return nil, err
	}
	return &DynamicAccount{baseAccount: base, implementation: cfg.Implementation}, nil
}

func (a *DynamicAccount) Variant() Variant { return VariantDynamic }

// data is the opaque createAccount payload; it is empty for the default salt.
func (a *DynamicAccount) data() []byte {
	if a.salt.Sign() == 0 {
		return []byte{}
	}
	return common.LeftPadBytes(a.salt.Bytes(), 32)
}

func (a *DynamicAccount) InitCode() ([]byte, error) {
	return a.initCode(a.Owner(), a.data())
}

// Address is keccak256(abi.encode(admin, data)) as the CREATE2 salt over a
// clone of the implementation. It never reads the chain.
func (a *DynamicAccount) Address(_ context.Context) (common.Address, error) {
	packed, err := adminSaltArgs.Pack(a.Owner(), a.data())
	if err != nil {
		return common.Address{}, err
	}
	salt := crypto.Keccak256Hash(packed)
	return Create2Address(a.factory, salt, CloneCreationCode(a.implementation)), nil
}

func (a *DynamicAccount) EncodeExecuteBatch(calls []Call) ([]byte, error) {
	if err := validateCalls(calls); err != nil {
		return nil, err
	}
	return a.accountABI.Pack("executeBatch",
		lo.Map(calls, func(c Call, _ int) common.Address { return c.Target }),
		lo.Map(calls, func(c Call, _ int) *big.Int { return c.value() }),
		lo.Map(calls, func(c Call, _ int) []byte { return nonNilBytes(c.Data) }),
	)
}

// GrantSignerCall returns the self call that gives signer the SIGNER_ROLE.
func (a *DynamicAccount) GrantSignerCall(ctx context.Context, signer common.Address) (Call, error) {
	if signer == (common.Address{}) {
		return Call{}, errors.New("signer is the zero address")
	}
	self, err := a.Address(ctx)
	if err != nil {
		return Call{}, err
	}
	data, err := a.accountABI.Pack("grantRole", SignerRole, signer)
	if err != nil {
		return Call{}, err
	}
	return Call{Target: self, Value: new(big.Int), Data: data}, nil
}

// HasSigner reports whether signer holds the SIGNER_ROLE on the deployed account.
func (a *DynamicAccount) HasSigner(ctx context.Context, signer common.Address) (bool, error) {
	if a.caller == nil {
		return false, errors.New("no chain reader configured")
	}
	self, err := a.Address(ctx)
	if err != nil {
		return false, err
	}
	contract := bind.NewBoundContract(self, a.accountABI, a.caller, nil, nil)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "hasRole", SignerRole, signer); err != nil {
		return false, err
	}
	has, _ := out[0].(bool)
	return has, nil
}

// SignerManager is implemented by variants that accept co-signers.
type SignerManager interface {
	GrantSignerCall(ctx context.Context, signer common.Address) (Call, error)
	HasSigner(ctx context.Context, signer common.Address) (bool, error)
}

var _ SignerManager = (*DynamicAccount)(nil)

// FactoryImplementation reads the account implementation a dynamic factory
// clones.
func FactoryImplementation(ctx context.Context, caller bind.ContractCaller, factory common.Address) (common.Address, error) {
	return callAddress(ctx, caller, DynamicFactoryABI, factory, "accountImplementation")
}
