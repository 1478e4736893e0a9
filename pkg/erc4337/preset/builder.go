package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/allegro/bigcache/v3"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/pkg/eip1559"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

var (
	// Used when eth_estimateGas cannot run the call because the account does
	// not exist yet.
	DEFAULT_CALL_GAS_LIMIT = big.NewInt(200000)
	// Base verification cost of the account's validateUserOp; the gas of the
	// factory call is added on top for a first operation.
	DEFAULT_VERIFICATION_GAS_LIMIT = big.NewInt(100000)
	// Used when the factory call cannot be estimated, covers proxy deployment
	// plus initialization and validation.
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3000000)
)

// ChainClient is the part of ethclient.Client the builder reads from.
type ChainClient interface {
	bind.ContractCaller
	eip1559.FeeSource
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// GasEstimator simulates an operation with eth_estimateUserOperationGas.
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*bundler.GasEstimation, error)
}

// Builder turns calls into unsigned user operations for one account.
type Builder struct {
	client  ChainClient
	account aa.Account
	nonces  *NonceOracle
	// optional, raises the local gas limits to the bundler's simulation
	estimator GasEstimator
	// deployed accounts never become undeployed, only positive answers are cached
	deployed *bigcache.BigCache
	logger   logger.Logger
}

func NewBuilder(client ChainClient, account aa.Account, nonces *bundler.NonceManager, cache *bigcache.BigCache, lgr logger.Logger) *Builder {
	return &Builder{
		client:   client,
		account:  account,
		nonces:   NewNonceOracle(account, nonces),
		deployed: cache,
		logger:   logger.Or(lgr),
	}
}

func (b *Builder) Account() aa.Account {
	return b.account
}

// Build prepares an operation executing a single call.
func (b *Builder) Build(ctx context.Context, call aa.Call) (*userop.UserOperation, error) {
	return b.BuildBatch(ctx, []aa.Call{call})
}

// BuildBatch prepares one operation executing every call in order. All calls
// are validated before anything is read from chain.
func (b *Builder) BuildBatch(ctx context.Context, calls []aa.Call) (*userop.UserOperation, error) {
	callData, err := b.Encode(calls)
	if err != nil {
		return nil, err
	}
	sender, err := b.account.Address(ctx)
	if err != nil {
		return nil, b.fail(erc4337.StageBuild, common.Address{}, calls, nil,
			fmt.Errorf("%w: derive sender: %w", erc4337.ErrAccountUnreachable, err))
	}
	return b.buildFor(ctx, sender, calls, callData)
}

// Encode produces execute call data for one call and executeBatch for more.
func (b *Builder) Encode(calls []aa.Call) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if len(calls) == 1 {
		data, err = b.account.EncodeExecute(calls[0])
	} else {
		data, err = b.account.EncodeExecuteBatch(calls)
	}
	if err != nil {
		return nil, b.fail(erc4337.StageBuild, common.Address{}, calls, nil, fmt.Errorf("%w: %w", erc4337.ErrInvalidCall, err))
	}
	return data, nil
}

func (b *Builder) buildFor(ctx context.Context, sender common.Address, calls []aa.Call, callData []byte) (*userop.UserOperation, error) {
	deployed, err := b.IsDeployed(ctx, sender)
	if err != nil {
		return nil, b.fail(erc4337.StageBuild, sender, calls, nil, err)
	}

	var initCode []byte
	if !deployed {
		if initCode, err = b.account.InitCode(); err != nil {
			return nil, b.fail(erc4337.StageBuild, sender, calls, nil, fmt.Errorf("encode initCode: %w", err))
		}
	}

	nonce, err := b.nonces.Next(ctx, sender, deployed)
	if err != nil {
		return nil, b.fail(erc4337.StageNonce, sender, calls, nil, err)
	}

	op := &userop.UserOperation{
		Sender:           sender,
		Nonce:            nonce,
		InitCode:         initCode,
		CallData:         callData,
		PaymasterAndData: []byte{},
	}

	if op.CallGasLimit, err = b.estimateCallGas(ctx, op, deployed); err != nil {
		return nil, b.fail(erc4337.StageBuild, sender, calls, nonce, err)
	}
	if op.VerificationGasLimit, err = b.estimateVerificationGas(ctx, initCode); err != nil {
		return nil, b.fail(erc4337.StageBuild, sender, calls, nonce, err)
	}
	if op.MaxFeePerGas, op.MaxPriorityFeePerGas, err = eip1559.SuggestFee(ctx, b.client); err != nil {
		return nil, b.fail(erc4337.StageBuild, sender, calls, nonce, fmt.Errorf("suggest gas fees: %w", err))
	}
	if b.estimator != nil {
		if err := b.raiseToBundlerEstimate(ctx, op); err != nil {
			return nil, b.fail(erc4337.StageBuild, sender, calls, nonce, err)
		}
	}
	op.PreVerificationGas = userop.CalcPreVerificationGas(op)

	b.logger.Debug("built user operation",
		"sender", sender.Hex(),
		"deployed", deployed,
		"nonce", nonce.String(),
		"calls", len(calls),
		"callGasLimit", op.CallGasLimit.String(),
		"verificationGasLimit", op.VerificationGasLimit.String(),
		"preVerificationGas", op.PreVerificationGas.String())

	return op, nil
}

// IsDeployed reports whether sender has code. An RPC failure is reported as
// ErrAccountUnreachable rather than as undeployed.
func (b *Builder) IsDeployed(ctx context.Context, sender common.Address) (bool, error) {
	key := sender.Hex()
	if b.deployed != nil {
		if _, err := b.deployed.Get(key); err == nil {
			return true, nil
		}
	}

	code, err := b.client.CodeAt(ctx, sender, nil)
	if err != nil {
		return false, fmt.Errorf("%w: read code at %s: %w", erc4337.ErrAccountUnreachable, sender.Hex(), err)
	}
	if len(code) == 0 {
		return false, nil
	}

	if b.deployed != nil {
		if err := b.deployed.Set(key, []byte{1}); err != nil {
			b.logger.Warn("cannot cache deployment state", "sender", key, "error", err)
		}
	}
	return true, nil
}

func (b *Builder) estimateCallGas(ctx context.Context, op *userop.UserOperation, deployed bool) (*big.Int, error) {
	sender := op.Sender
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: b.account.EntryPoint(),
		To:   &sender,
		Data: op.CallData,
	})
	if err == nil {
		return new(big.Int).SetUint64(gas), nil
	}
	if !deployed {
		// the account is created in the same operation, nothing to simulate against yet
		b.logger.Debug("call gas estimation skipped for undeployed account",
			"sender", sender.Hex(), "default", DEFAULT_CALL_GAS_LIMIT.String())
		return new(big.Int).Set(DEFAULT_CALL_GAS_LIMIT), nil
	}
	return nil, fmt.Errorf("estimate call gas: %w", err)
}

func (b *Builder) estimateVerificationGas(ctx context.Context, initCode []byte) (*big.Int, error) {
	if len(initCode) == 0 {
		return new(big.Int).Set(DEFAULT_VERIFICATION_GAS_LIMIT), nil
	}
	if len(initCode) < common.AddressLength {
		return nil, errors.New("initCode shorter than a factory address")
	}

	factory := common.BytesToAddress(initCode[:common.AddressLength])
	initGas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: b.account.EntryPoint(),
		To:   &factory,
		Data: initCode[common.AddressLength:],
	})
	if err != nil {
		if isSaltReused(err) {
			return nil, fmt.Errorf("%w: factory %s: %v", erc4337.ErrSaltReused, factory.Hex(), err)
		}
		b.logger.Debug("factory gas estimation failed, using deployment default",
			"factory", factory.Hex(), "error", err)
		return new(big.Int).Set(DEPLOYMENT_VERIFICATION_GAS_LIMIT), nil
	}
	return new(big.Int).Add(DEFAULT_VERIFICATION_GAS_LIMIT, new(big.Int).SetUint64(initGas)), nil
}

// raiseToBundlerEstimate lifts the call and verification limits of op to what
// the bundler simulated. When the bundler cannot estimate, the local limits
// stay; only a reused salt is an error.
func (b *Builder) raiseToBundlerEstimate(ctx context.Context, op *userop.UserOperation) error {
	draft := op.Copy()
	draft.Signature = append([]byte{}, userop.DummySignature...)
	draft.PreVerificationGas = userop.CalcPreVerificationGas(draft)

	est, err := b.estimator.EstimateUserOperationGas(ctx, draft)
	if errors.Is(err, erc4337.ErrSaltReused) {
		return err
	}
	if err != nil {
		b.logger.Debug("bundler gas estimation failed, keeping local limits",
			"sender", op.Sender.Hex(), "error", err)
		return nil
	}

	op.CallGasLimit = maxGas(op.CallGasLimit, est.CallGasLimit)
	op.VerificationGasLimit = maxGas(op.VerificationGasLimit, est.VerificationGasLimit)
	return nil
}

func maxGas(local, remote *big.Int) *big.Int {
	if remote != nil && remote.Cmp(local) > 0 {
		return new(big.Int).Set(remote)
	}
	return local
}

// isSaltReused matches the same texts the bundler classifier does.
func isSaltReused(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AA10") || strings.Contains(msg, "already constructed")
}

func (b *Builder) fail(stage erc4337.Stage, sender common.Address, calls []aa.Call, nonce *big.Int, err error) error {
	opErr := &erc4337.OperationError{Stage: stage, Sender: sender, Nonce: nonce, Err: err}
	if len(calls) == 1 {
		target := calls[0].Target
		opErr.Target = &target
	}
	return opErr
}
