package bundler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

// NonceManager manages nonce tracking for UserOperations to prevent conflicts
// with pending operations in the bundler's mempool.
// It maintains an in-memory cache of the next expected nonce per sender,
// combining on-chain state with knowledge of submitted-but-not-yet-mined UserOps,
// and serializes operations of one sender between nonce resolution and submission.
type NonceManager struct {
	// pendingNonces tracks the next nonce to use for each sender
	pendingNonces map[common.Address]*big.Int
	// senderLocks holds a one-slot semaphore per sender
	senderLocks map[common.Address]chan struct{}
	mu          sync.RWMutex

	logger logger.Logger
}

// NewNonceManager creates a new NonceManager instance
func NewNonceManager(lgr logger.Logger) *NonceManager {
	return &NonceManager{
		pendingNonces: make(map[common.Address]*big.Int),
		senderLocks:   make(map[common.Address]chan struct{}),
		logger:        logger.Or(lgr),
	}
}

// Lock blocks until no other operation of sender is between nonce resolution
// and submission, or ctx is done. Different senders never wait on each other.
func (nm *NonceManager) Lock(ctx context.Context, sender common.Address) (func(), error) {
	nm.mu.Lock()
	sem, ok := nm.senderLocks[sender]
	if !ok {
		sem = make(chan struct{}, 1)
		nm.senderLocks[sender] = sem
	}
	nm.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sem })
	}, nil
}

// GetNextNonce returns the next nonce to use for a sender.
// It returns max(on-chain nonce, cached pending nonce).
// This ensures we never reuse a nonce that's already pending in the bundler.
func (nm *NonceManager) GetNextNonce(
	ctx context.Context,
	sender common.Address,
	onChainNonceFetcher func(ctx context.Context) (*big.Int, error),
) (*big.Int, error) {
	onChainNonce, err := onChainNonceFetcher(ctx)
	if err != nil {
		return nil, err
	}

	nm.mu.RLock()
	cachedNonce, hasCached := nm.pendingNonces[sender]
	nm.mu.RUnlock()

	switch {
	case !hasCached:
		nm.logger.Debug("nonce manager: first operation for sender, using on-chain nonce",
			"sender", sender.Hex(), "nonce", onChainNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	case onChainNonce.Cmp(cachedNonce) > 0:
		// Pending operations were mined or dropped by the bundler
		nm.logger.Debug("nonce manager: on-chain nonce ahead of cache",
			"sender", sender.Hex(), "onchain", onChainNonce.String(), "cached", cachedNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	default:
		nm.logger.Debug("nonce manager: using cached nonce",
			"sender", sender.Hex(), "cached", cachedNonce.String(), "onchain", onChainNonce.String())
		return new(big.Int).Set(cachedNonce), nil
	}
}

// IncrementNonce increments the cached nonce after successfully submitting a UserOp.
// This allows sequential UserOps to use nonce+1, nonce+2, etc. even before the first is mined.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nextNonce := new(big.Int).Add(currentNonce, big.NewInt(1))
	nm.pendingNonces[sender] = nextNonce

	nm.logger.Debug("nonce manager: incremented nonce",
		"sender", sender.Hex(), "from", currentNonce.String(), "to", nextNonce.String())
}

// ResetNonce clears the cached nonce for a sender, forcing the next GetNextNonce
// to fetch fresh state from the chain. Use this when nonce conflicts occur.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, sender)
	nm.logger.Debug("nonce manager: reset cached nonce", "sender", sender.Hex())
}

// GetCachedNonce returns the cached nonce for a sender without fetching from chain.
// Returns (nonce, true) if cached, (nil, false) if not cached.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	nonce, exists := nm.pendingNonces[sender]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}
