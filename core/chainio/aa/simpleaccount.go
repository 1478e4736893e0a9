package aa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

var erc1967ConstructorArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("bytes")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// SimpleAccount is the eth-infinitism SimpleAccount deployed by
// SimpleAccountFactory behind an ERC1967 proxy. It has a single owner.
type SimpleAccount struct {
	baseAccount

	implementation    common.Address
	proxyCreationCode []byte

	mu      sync.Mutex
	address *common.Address
}

// NewSimpleAccount creates the account. With the proxy creation code and
// implementation configured the address is derived offline, otherwise the
// factory's getAddress view is asked once and cached.
func NewSimpleAccount(cfg AccountConfig, caller bind.ContractCaller, proxyCreationCode []byte) (*SimpleAccount, error) {
	base, err := newBaseAccount(cfg, caller, SimpleAccountABI, SimpleFactoryABI)
	if err != nil {
		return nil, err
	}
	return &SimpleAccount{
		baseAccount:       base,
		implementation:    cfg.Implementation,
		proxyCreationCode: proxyCreationCode,
	}, nil
}

func (a *SimpleAccount) Variant() Variant { return VariantSimple }

func (a *SimpleAccount) InitCode() ([]byte, error) {
	return a.initCode(a.Owner(), a.salt)
}

func (a *SimpleAccount) Address(ctx context.Context) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.address != nil {
		return *a.address, nil
	}

	var (
		addr common.Address
		err  error
	)
	if len(a.proxyCreationCode) > 0 && a.implementation != (common.Address{}) {
		addr, err = a.computeAddress()
	} else {
		if a.caller == nil {
			return common.Address{}, errors.New("simple account address needs proxy creation code or a chain reader")
		}
		addr, err = callAddress(ctx, a.caller, a.factoryABI, a.factory, "getAddress", a.Owner(), a.salt)
	}
	if err != nil {
		return common.Address{}, err
	}
	a.address = &addr
	return addr, nil
}

// computeAddress mirrors SimpleAccountFactory:
// new ERC1967Proxy{salt: bytes32(salt)}(implementation, abi.encodeCall(initialize, (owner)))
func (a *SimpleAccount) computeAddress() (common.Address, error) {
	initData, err := a.accountABI.Pack("initialize", a.Owner())
	if err != nil {
		return common.Address{}, err
	}
	ctorArgs, err := erc1967ConstructorArgs.Pack(a.implementation, initData)
	if err != nil {
		return common.Address{}, err
	}

	var salt [32]byte
	a.salt.FillBytes(salt[:])
	initCode := append(append([]byte{}, a.proxyCreationCode...), ctorArgs...)
	return Create2Address(a.factory, salt, initCode), nil
}

// EncodeExecuteBatch packs executeBatch(dest[], func[]). The v0.6 simple
// account cannot forward value in a batch.
func (a *SimpleAccount) EncodeExecuteBatch(calls []Call) ([]byte, error) {
	if err := validateCalls(calls); err != nil {
		return nil, err
	}
	if _, withValue := lo.Find(calls, func(c Call) bool { return c.value().Sign() > 0 }); withValue {
		return nil, fmt.Errorf("batch call value: %w", ErrUnsupported)
	}
	return a.accountABI.Pack("executeBatch",
		lo.Map(calls, func(c Call, _ int) common.Address { return c.Target }),
		lo.Map(calls, func(c Call, _ int) []byte { return nonNilBytes(c.Data) }),
	)
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
