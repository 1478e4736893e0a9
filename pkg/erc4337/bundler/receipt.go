package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

// UserOpReceipt is the eth_getUserOperationReceipt answer.
type UserOpReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Receipt       TxReceipt      `json:"receipt"`
}

// TxReceipt keeps the part of the bundle transaction receipt callers use.
type TxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockHash       common.Hash  `json:"blockHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
}

// ReceiptSource looks up the receipt of an included operation. It returns
// nil without error while the operation is pending.
type ReceiptSource interface {
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error)
}

// ReceiptSources asks each source in order and returns the first receipt
// found. Errors are only reported when no source had a receipt.
type ReceiptSources []ReceiptSource

func (s ReceiptSources) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	var errs []error
	for _, src := range s {
		receipt, err := src.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if receipt != nil {
			return receipt, nil
		}
	}
	return nil, errors.Join(errs...)
}

// LogFilterer is the part of ethclient.Client used to find UserOperationEvent logs.
type LogFilterer interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

const DefaultLogLookback = 20

// LogReceiptSource reads receipts straight from EntryPoint logs, for bundlers
// that are slow to index eth_getUserOperationReceipt.
type LogReceiptSource struct {
	client     LogFilterer
	entryPoint common.Address
	lookback   uint64
}

func NewLogReceiptSource(client LogFilterer, entryPoint common.Address) *LogReceiptSource {
	return &LogReceiptSource{client: client, entryPoint: entryPoint, lookback: DefaultLogLookback}
}

func (s *LogReceiptSource) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}
	from := uint64(0)
	if head > s.lookback {
		from = head - s.lookback
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{s.entryPoint},
		Topics:    [][]common.Hash{{aa.UserOperationEventTopic}, {hash}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter UserOperationEvent logs: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return receiptFromLog(logs[len(logs)-1])
}

func receiptFromLog(l types.Log) (*UserOpReceipt, error) {
	ev, err := aa.ParseUserOperationEvent(l)
	if err != nil {
		return nil, err
	}
	return &UserOpReceipt{
		UserOpHash:    ev.UserOpHash,
		Sender:        ev.Sender,
		Paymaster:     ev.Paymaster,
		Nonce:         (*hexutil.Big)(ev.Nonce),
		Success:       ev.Success,
		ActualGasCost: (*hexutil.Big)(ev.ActualGasCost),
		ActualGasUsed: (*hexutil.Big)(ev.ActualGasUsed),
		Receipt: TxReceipt{
			TransactionHash: l.TxHash,
			BlockHash:       l.BlockHash,
			BlockNumber:     (*hexutil.Big)(new(big.Int).SetUint64(l.BlockNumber)),
		},
	}, nil
}

const (
	DefaultWaitTimeout     = 30 * time.Second // bundlers normally include within 2-5s
	DefaultInitialInterval = 1 * time.Second
	DefaultMaxInterval     = 5 * time.Second
	DefaultBackoffFactor   = 1.5
)

// Waiter polls a ReceiptSource with exponential backoff until the operation
// is included or the timeout elapses.
type Waiter struct {
	source ReceiptSource
	clock  clockwork.Clock
	logger logger.Logger

	timeout         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	backoffFactor   float64
}

type WaiterOption func(*Waiter)

func WithClock(c clockwork.Clock) WaiterOption {
	return func(w *Waiter) { w.clock = c }
}

func WithTimeout(d time.Duration) WaiterOption {
	return func(w *Waiter) { w.timeout = d }
}

// WithIntervals sets the first poll interval and the cap it grows to.
func WithIntervals(initial, max time.Duration) WaiterOption {
	return func(w *Waiter) {
		w.initialInterval = initial
		w.maxInterval = max
	}
}

func WithWaiterLogger(l logger.Logger) WaiterOption {
	return func(w *Waiter) { w.logger = logger.For(l, logger.ComponentWaiter) }
}

func NewWaiter(source ReceiptSource, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		source:          source,
		clock:           clockwork.NewRealClock(),
		logger:          logger.Discard,
		timeout:         DefaultWaitTimeout,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		backoffFactor:   DefaultBackoffFactor,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait returns the receipt of hash. A receipt with Success false is returned
// without error; the caller decides what a reverted operation means.
func (w *Waiter) Wait(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	start := w.clock.Now()
	interval := w.initialInterval

	for {
		receipt, err := w.source.GetUserOperationReceipt(ctx, hash)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			w.logger.Debug("receipt polling error", "hash", hash.Hex(), "error", err)
		case receipt != nil:
			w.logger.Info("user operation included",
				"hash", hash.Hex(),
				"tx", receipt.Receipt.TransactionHash.Hex(),
				"success", receipt.Success)
			return receipt, nil
		}

		elapsed := w.clock.Since(start)
		if elapsed >= w.timeout {
			return nil, fmt.Errorf("%w: %s still pending after %v", erc4337.ErrConfirmationTimeout, hash.Hex(), elapsed)
		}
		w.logger.Debug("waiting for user operation", "hash", hash.Hex(), "elapsed", elapsed, "interval", interval)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.clock.After(interval):
		}

		interval = time.Duration(float64(interval) * w.backoffFactor)
		if interval > w.maxInterval {
			interval = w.maxInterval
		}
	}
}
