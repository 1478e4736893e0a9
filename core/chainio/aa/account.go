package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
	"github.com/AvaProtocol/smartwallet/pkg/byte4"
)

var ErrUnsupported = errors.New("not supported by this account variant")

// ErrSignerExists means the key already holds the signer role.
var ErrSignerExists = errors.New("already a signer")

// Call is a single contract invocation executed by the smart account.
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Validate rejects calls that cannot be encoded.
func (c Call) Validate() error {
	if c.Target == (common.Address{}) {
		return errors.New("call target is the zero address")
	}
	if c.Value != nil && c.Value.Sign() < 0 {
		return fmt.Errorf("negative call value %s", c.Value)
	}
	return nil
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// Account is the capability set a smart account variant provides to the
// user operation builder.
type Account interface {
	Variant() Variant
	Owner() common.Address
	Factory() common.Address
	EntryPoint() common.Address

	// Address returns the counterfactual account address. It is stable for a
	// given owner, factory and salt whether or not the account is deployed.
	Address(ctx context.Context) (common.Address, error)
	// InitCode returns factory || createAccount calldata.
	InitCode() ([]byte, error)
	// Nonce reads the on-chain nonce of a deployed account.
	Nonce(ctx context.Context, sender common.Address) (*big.Int, error)

	EncodeExecute(call Call) ([]byte, error)
	EncodeExecuteBatch(calls []Call) ([]byte, error)
	// DecodeCallData is the inverse of EncodeExecute and EncodeExecuteBatch.
	DecodeCallData(data []byte) ([]Call, error)

	SignUserOpHash(hash common.Hash) ([]byte, error)
}

// AccountConfig holds what every variant needs.
type AccountConfig struct {
	Owner      signer.KeyProvider
	Factory    common.Address
	EntryPoint common.Address
	Salt       *big.Int
	// Implementation is the account logic contract the factory clones or
	// proxies to.
	Implementation common.Address
}

type baseAccount struct {
	keys       signer.KeyProvider
	factory    common.Address
	entryPoint common.Address
	salt       *big.Int
	caller     bind.ContractCaller

	accountABI abi.ABI
	factoryABI abi.ABI
}

func newBaseAccount(cfg AccountConfig, caller bind.ContractCaller, accountABI, factoryABI abi.ABI) (baseAccount, error) {
	if cfg.Owner == nil {
		return baseAccount{}, errors.New("account owner key provider is required")
	}
	if cfg.Factory == (common.Address{}) {
		return baseAccount{}, errors.New("factory address is required")
	}
	entryPoint := cfg.EntryPoint
	if entryPoint == (common.Address{}) {
		entryPoint = DefaultEntrypointAddress
	}
	salt := cfg.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	return baseAccount{
		keys:       cfg.Owner,
		factory:    cfg.Factory,
		entryPoint: entryPoint,
		salt:       new(big.Int).Set(salt),
		caller:     caller,
		accountABI: accountABI,
		factoryABI: factoryABI,
	}, nil
}

func (a *baseAccount) Owner() common.Address      { return a.keys.Address() }
func (a *baseAccount) Factory() common.Address    { return a.factory }
func (a *baseAccount) EntryPoint() common.Address { return a.entryPoint }

// SignUserOpHash signs the 32 byte hash as an EIP191 message.
func (a *baseAccount) SignUserOpHash(hash common.Hash) ([]byte, error) {
	return a.keys.SignMessage(hash.Bytes())
}

func (a *baseAccount) EncodeExecute(call Call) ([]byte, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}
	return a.accountABI.Pack("execute", call.Target, call.value(), nonNilBytes(call.Data))
}

func (a *baseAccount) initCode(args ...interface{}) ([]byte, error) {
	calldata, err := a.factoryABI.Pack("createAccount", args...)
	if err != nil {
		return nil, err
	}

	var data []byte
	data = append(data, a.factory.Bytes()...)
	data = append(data, calldata...)
	return data, nil
}

// Nonce prefers the account's own getNonce view and falls back to the
// EntryPoint's getNonce(sender, 0) when the account ABI has none.
func (a *baseAccount) Nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	if a.caller == nil {
		return nil, errors.New("no chain reader configured")
	}
	for _, name := range []string{"getNonce", "nonce"} {
		if _, ok := a.accountABI.Methods[name]; ok {
			return callUint(ctx, a.caller, a.accountABI, sender, name)
		}
	}
	return EntryPointNonce(ctx, a.caller, a.entryPoint, sender, new(big.Int))
}

func (a *baseAccount) decodeExecute(args []interface{}) (Call, error) {
	if len(args) != 3 {
		return Call{}, fmt.Errorf("execute expects 3 arguments, got %d", len(args))
	}
	target, ok1 := args[0].(common.Address)
	value, ok2 := args[1].(*big.Int)
	data, ok3 := args[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return Call{}, errors.New("unexpected execute argument types")
	}
	return Call{Target: target, Value: value, Data: data}, nil
}

func (a *baseAccount) DecodeCallData(data []byte) ([]Call, error) {
	method, args, err := byte4.DecodeCalldata(a.accountABI, data)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "execute":
		call, err := a.decodeExecute(args)
		if err != nil {
			return nil, err
		}
		return []Call{call}, nil
	case "executeBatch":
		targets, ok := args[0].([]common.Address)
		if !ok {
			return nil, errors.New("unexpected executeBatch target type")
		}
		datas, ok := args[len(args)-1].([][]byte)
		if !ok || len(datas) != len(targets) {
			return nil, errors.New("unexpected executeBatch calldata")
		}
		values := make([]*big.Int, len(targets))
		if len(args) == 3 {
			vs, ok := args[1].([]*big.Int)
			if !ok || len(vs) != len(targets) {
				return nil, errors.New("unexpected executeBatch values")
			}
			values = vs
		}
		return lo.Map(targets, func(target common.Address, i int) Call {
			v := values[i]
			if v == nil {
				v = new(big.Int)
			}
			return Call{Target: target, Value: v, Data: datas[i]}
		}), nil
	}
	return nil, fmt.Errorf("calldata is %s, not an execute call", method.Name)
}

func validateCalls(calls []Call) error {
	if len(calls) == 0 {
		return errors.New("empty batch")
	}
	for i, c := range calls {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
	}
	return nil
}

func callUint(ctx context.Context, caller bind.ContractCaller, parsed abi.ABI, address common.Address, method string, args ...interface{}) (*big.Int, error) {
	contract := bind.NewBoundContract(address, parsed, caller, nil, nil)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, address.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want uint256", method, out[0])
	}
	return v, nil
}

func callAddress(ctx context.Context, caller bind.ContractCaller, parsed abi.ABI, address common.Address, method string, args ...interface{}) (common.Address, error) {
	contract := bind.NewBoundContract(address, parsed, caller, nil, nil)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return common.Address{}, fmt.Errorf("call %s on %s: %w", method, address.Hex(), err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s returned %T, want address", method, out[0])
	}
	return v, nil
}

// New builds the account for variant.
func New(variant Variant, cfg AccountConfig, caller bind.ContractCaller, proxyCreationCode []byte) (Account, error) {
	switch variant {
	case VariantSimple:
		return NewSimpleAccount(cfg, caller, proxyCreationCode)
	case VariantDynamic:
		return NewDynamicAccount(cfg, caller)
	}
	return nil, fmt.Errorf("unknown account variant %q", variant)
}
