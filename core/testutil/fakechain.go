package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrExecutionReverted mimics a node's revert error.
var ErrExecutionReverted = errors.New("execution reverted")

// CallHandler answers an eth_call with the unpacked method arguments.
type CallHandler func(args []interface{}) ([]interface{}, error)

type callKey struct {
	to       common.Address
	selector [4]byte
}

type registeredCall struct {
	method abi.Method
	h      CallHandler
}

// FakeChain is an in-memory node good enough for account reads, gas
// estimation, fee suggestion and log queries.
type FakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	baseFee *big.Int
	tipCap  *big.Int

	codes    map[common.Address][]byte
	balances map[common.Address]*big.Int
	calls    map[callKey]registeredCall
	logs     []types.Log

	counts map[string]int

	// CodeErr, when set, fails every eth_getCode.
	CodeErr error
	// EstimateGasFn answers eth_estimateGas; the default returns 50000.
	EstimateGasFn func(msg ethereum.CallMsg) (uint64, error)
}

func NewFakeChain(chainID int64) *FakeChain {
	return &FakeChain{
		chainID:  big.NewInt(chainID),
		baseFee:  big.NewInt(1_000_000_000),
		tipCap:   big.NewInt(1_000_000_000),
		codes:    map[common.Address][]byte{},
		balances: map[common.Address]*big.Int{},
		calls:    map[callKey]registeredCall{},
		counts:   map[string]int{},
	}
}

func (f *FakeChain) count(name string) {
	f.counts[name]++
}

// Count returns how many times an RPC (e.g. "eth_call", "eth_getCode") was served.
func (f *FakeChain) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *FakeChain) SetCode(addr common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[addr] = code
}

func (f *FakeChain) SetBalance(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = wei
}

func (f *FakeChain) SetFees(baseFee, tipCap *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseFee = baseFee
	f.tipCap = tipCap
}

func (f *FakeChain) AddLog(l types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
}

// Handle answers calls of method on the contract at to.
func (f *FakeChain) Handle(to common.Address, parsed abi.ABI, method string, h CallHandler) {
	m, ok := parsed.Methods[method]
	if !ok {
		panic(fmt.Sprintf("method %s not in ABI", method))
	}
	var sel [4]byte
	copy(sel[:], m.ID)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[callKey{to: to, selector: sel}] = registeredCall{method: m, h: h}
}

func (f *FakeChain) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_getCode")
	if f.CodeErr != nil {
		return nil, f.CodeErr
	}
	return f.codes[contract], nil
}

func (f *FakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.count("eth_call")
	if msg.To == nil || len(msg.Data) < 4 {
		f.mu.Unlock()
		return nil, ErrExecutionReverted
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])
	rc, ok := f.calls[callKey{to: *msg.To, selector: sel}]
	f.mu.Unlock()

	if !ok {
		// unknown selector on an existing contract returns nothing
		return []byte{}, nil
	}

	args, err := rc.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	out, err := rc.h(args)
	if err != nil {
		return nil, err
	}
	return rc.method.Outputs.Pack(out...)
}

func (f *FakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	f.count("eth_estimateGas")
	fn := f.EstimateGasFn
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return 50000, nil
}

func (f *FakeChain) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeChain) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.tipCap), nil
}

func (f *FakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &types.Header{Number: big.NewInt(100)}
	if f.baseFee != nil {
		h.BaseFee = new(big.Int).Set(f.baseFee)
	}
	return h, nil
}

func (f *FakeChain) BlockNumber(_ context.Context) (uint64, error) {
	return 100, nil
}

func (f *FakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("eth_getLogs")

	var out []types.Log
	for _, l := range f.logs {
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !topicsMatch(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// SubscribeFilterLogs completes ethereum.LogFilterer; the fake chain does not
// support log subscriptions.
func (f *FakeChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, _ chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("testutil: log subscriptions are not supported")
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range filter {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		matched := false
		for _, t := range alternatives {
			if t == topics[i] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
