package preset

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

type OpState string

const (
	StateDraft         OpState = "draft"
	StateNonceResolved OpState = "nonce_resolved"
	StateSponsored     OpState = "sponsored"
	StateSigned        OpState = "signed"
	StateSubmitted     OpState = "submitted"
	StateConfirmed     OpState = "confirmed"
	StateFailed        OpState = "failed"
)

var transitions = map[OpState][]OpState{
	StateDraft:         {StateNonceResolved, StateFailed},
	StateNonceResolved: {StateSponsored, StateSigned, StateFailed},
	StateSponsored:     {StateSigned, StateFailed},
	StateSigned:        {StateSubmitted, StateFailed},
	StateSubmitted:     {StateConfirmed, StateFailed},
}

func (s OpState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Operation tracks one user operation through its lifecycle.
type Operation struct {
	mu sync.Mutex

	state   OpState
	calls   []aa.Call
	userOp  *userop.UserOperation
	quote   *paymaster.Quote
	receipt *bundler.UserOpReceipt

	// signedHash is what the owner signed; submission is refused if the
	// operation no longer hashes to it.
	signedHash common.Hash
	// hash is the one the bundler reported
	hash common.Hash
	err  error
}

func newOperation(calls []aa.Call) *Operation {
	return &Operation{state: StateDraft, calls: calls}
}

// advance moves to next, refusing any transition the lifecycle does not allow.
func (o *Operation) advance(next OpState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !lo.Contains(transitions[o.state], next) {
		return fmt.Errorf("%w: %s -> %s", erc4337.ErrInvalidTransition, o.state, next)
	}
	o.state = next
	return nil
}

// checkSigned verifies the operation still hashes to what was signed.
func (o *Operation) checkSigned(entryPoint common.Address, chainID *big.Int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.signedHash == (common.Hash{}) {
		return fmt.Errorf("%w: operation was never signed", erc4337.ErrOperationMutated)
	}
	if got := o.userOp.GetUserOpHash(entryPoint, chainID); got != o.signedHash {
		return fmt.Errorf("%w: signed %s, now %s", erc4337.ErrOperationMutated, o.signedHash.Hex(), got.Hex())
	}
	return nil
}

func (o *Operation) State() OpState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Operation) UserOperation() *userop.UserOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userOp
}

func (o *Operation) Hash() common.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hash
}

func (o *Operation) Receipt() *bundler.UserOpReceipt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.receipt
}

func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) Sponsored() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quote != nil
}

// targets lists the call targets for the journal.
func (o *Operation) targets() []string {
	return lo.Map(o.calls, func(c aa.Call, _ int) string { return c.Target.Hex() })
}
