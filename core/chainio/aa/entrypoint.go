package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EntryPointNonce reads EntryPoint.getNonce(sender, key).
func EntryPointNonce(ctx context.Context, caller bind.ContractCaller, entryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = new(big.Int)
	}
	return callUint(ctx, caller, EntryPointABI, entryPoint, "getNonce", sender, key)
}

// EntryPointDeposit reads the sender's prefund deposit held by the EntryPoint.
func EntryPointDeposit(ctx context.Context, caller bind.ContractCaller, entryPoint, account common.Address) (*big.Int, error) {
	return callUint(ctx, caller, EntryPointABI, entryPoint, "balanceOf", account)
}

// UserOperationEvent is the EntryPoint log emitted once per executed operation.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// ParseUserOperationEvent decodes a UserOperationEvent log.
func ParseUserOperationEvent(log types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	values, err := EntryPointABI.Unpack("UserOperationEvent", log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack UserOperationEvent: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("UserOperationEvent has %d data fields", len(values))
	}

	ev := &UserOperationEvent{
		UserOpHash: log.Topics[1],
		Sender:     common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:  common.BytesToAddress(log.Topics[3].Bytes()),
		Raw:        log,
	}
	var ok [4]bool
	ev.Nonce, ok[0] = values[0].(*big.Int)
	ev.Success, ok[1] = values[1].(bool)
	ev.ActualGasCost, ok[2] = values[2].(*big.Int)
	ev.ActualGasUsed, ok[3] = values[3].(*big.Int)
	for _, v := range ok {
		if !v {
			return nil, fmt.Errorf("unexpected UserOperationEvent field types")
		}
	}
	return ev, nil
}
