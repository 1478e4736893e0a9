// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless, the duplicate guard is the only state kept here.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

// Ledger remembers operation hashes a bundler accepted in earlier runs.
type Ledger interface {
	HasSubmitted(hash common.Hash) (bool, error)
}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client     *rpc.Client
	url        string
	entryPoint common.Address
	logger     logger.Logger
	ledger     Ledger

	mu        sync.Mutex
	chainID   *big.Int
	submitted map[common.Hash]bool
}

type Option func(*BundlerClient)

func WithLogger(l logger.Logger) Option {
	return func(bc *BundlerClient) { bc.logger = logger.For(l, logger.ComponentBundler) }
}

// WithLedger adds a persistent source to the duplicate submission guard.
func WithLedger(l Ledger) Option {
	return func(bc *BundlerClient) { bc.ledger = l }
}

// WithChainID skips the eth_chainId lookup done before the first submission.
func WithChainID(id *big.Int) Option {
	return func(bc *BundlerClient) {
		if id != nil {
			bc.chainID = new(big.Int).Set(id)
		}
	}
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
func NewBundlerClient(url string, entryPoint common.Address, opts ...Option) (*BundlerClient, error) {
	// Use DialHTTP instead of Dial as it is more compatible with HTTP-based bundler
	// endpoints, but it also supports other protocols such as WebSocket.
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}

	bc := &BundlerClient{
		client:     c,
		url:        url,
		entryPoint: entryPoint,
		logger:     logger.Discard,
		submitted:  map[common.Hash]bool{},
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

func (bc *BundlerClient) EntryPoint() common.Address {
	return bc.entryPoint
}

// ChainID returns the chain the bundler serves. The first answer is cached.
func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	bc.mu.Lock()
	if bc.chainID != nil {
		defer bc.mu.Unlock()
		return new(big.Int).Set(bc.chainID), nil
	}
	bc.mu.Unlock()

	var id hexutil.Big
	if err := bc.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, classify("eth_chainId", err)
	}

	bc.mu.Lock()
	bc.chainID = id.ToInt()
	bc.mu.Unlock()
	return new(big.Int).Set(id.ToInt()), nil
}

// SendUserOperation submits a signed operation and returns the hash the
// bundler reports. The same hash is never sent twice by one client, nor when
// the ledger already knows it.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	chainID, err := bc.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	hash := op.GetUserOpHash(bc.entryPoint, chainID)

	if err := bc.reserve(hash); err != nil {
		return hash, err
	}

	bc.logger.Debug("sending user operation",
		"hash", hash.Hex(),
		"sender", op.Sender.Hex(),
		"nonce", op.Nonce.String(),
		"entrypoint", bc.entryPoint.Hex())

	var result common.Hash
	// Some bundlers require the EIP-55 checksummed EntryPoint address
	err = bc.client.CallContext(ctx, &result, "eth_sendUserOperation", op, bc.entryPoint.Hex())
	if err != nil {
		bc.release(hash)
		return hash, classify("eth_sendUserOperation", err)
	}

	if result != hash {
		bc.logger.Warn("bundler returned a different user operation hash",
			"local", hash.Hex(), "bundler", result.Hex())
		bc.mu.Lock()
		bc.submitted[result] = true
		bc.mu.Unlock()
	}
	return result, nil
}

func (bc *BundlerClient) reserve(hash common.Hash) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.submitted[hash] {
		return fmt.Errorf("%w: %s was already submitted", erc4337.ErrSubmissionRejected, hash.Hex())
	}
	if bc.ledger != nil {
		seen, err := bc.ledger.HasSubmitted(hash)
		if err != nil {
			return fmt.Errorf("check submission ledger: %w", err)
		}
		if seen {
			return fmt.Errorf("%w: %s was submitted in an earlier run", erc4337.ErrSubmissionRejected, hash.Hex())
		}
	}
	bc.submitted[hash] = true
	return nil
}

func (bc *BundlerClient) release(hash common.Hash) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	delete(bc.submitted, hash)
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
// The signature field is ignored by the bundler but it must have a valid
// length, so callers pass userop.DummySignature before signing.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation) (*GasEstimation, error) {
	var result GasEstimation
	err := bc.client.CallContext(ctx, &result, "eth_estimateUserOperationGas", op, bc.entryPoint.Hex())
	if err != nil {
		return nil, classify("eth_estimateUserOperationGas", err)
	}
	return &result, nil
}

// GetUserOperationByHash returns nil without error when the bundler does not
// know the hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var result *UserOperationByHash
	if err := bc.client.CallContext(ctx, &result, "eth_getUserOperationByHash", hash); err != nil {
		return nil, classify("eth_getUserOperationByHash", err)
	}
	return result, nil
}

// GetUserOperationReceipt returns nil without error while the operation is
// not included yet.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOpReceipt, error) {
	var result *UserOpReceipt
	if err := bc.client.CallContext(ctx, &result, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, classify("eth_getUserOperationReceipt", err)
	}
	return result, nil
}

func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var result []common.Address
	if err := bc.client.CallContext(ctx, &result, "eth_supportedEntryPoints"); err != nil {
		return nil, classify("eth_supportedEntryPoints", err)
	}
	return result, nil
}
