// Package erc4337 holds the error taxonomy shared by the user operation
// builder, paymaster client, bundler client and provider.
package erc4337

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAccountUnreachable means the account could not be read from chain
	// (RPC failure or ABI mismatch).
	ErrAccountUnreachable = errors.New("smart account unreachable")

	ErrPaymasterUnavailable = errors.New("paymaster unavailable")
	ErrPaymasterRejected    = errors.New("paymaster rejected sponsorship")

	// ErrSubmissionRejected is returned when the bundler refuses an operation,
	// or when the same operation hash is submitted twice.
	ErrSubmissionRejected = errors.New("bundler rejected user operation")

	ErrConfirmationTimeout = errors.New("user operation not confirmed in time")
	// ErrExecutionFailed means the operation was included but its call reverted.
	ErrExecutionFailed = errors.New("user operation reverted on chain")

	// ErrSaltReused means the factory already deployed an account for the
	// configured owner and salt. It is never retried.
	ErrSaltReused = errors.New("account salt already used")

	// ErrDeploymentPending means the operation deploying the account was
	// submitted but is not mined yet. Only one operation may carry initCode.
	ErrDeploymentPending = errors.New("account deployment still pending")

	ErrStaleQuote        = errors.New("paymaster quote does not cover user operation")
	ErrInvalidTransition = errors.New("invalid operation state transition")
	ErrOperationMutated  = errors.New("user operation changed after signing")
	ErrInvalidCall       = errors.New("invalid call")
)

// Stage names the lifecycle step an OperationError happened in.
type Stage string

const (
	StageBuild   Stage = "build"
	StageNonce   Stage = "nonce"
	StageSponsor Stage = "sponsor"
	StageSign    Stage = "sign"
	StageSubmit  Stage = "submit"
	StageConfirm Stage = "confirm"
)

// OperationError carries enough context for a caller to inspect or re-submit
// an operation by hand.
type OperationError struct {
	Stage  Stage
	Sender common.Address
	Target *common.Address
	Nonce  *big.Int
	Hash   *common.Hash
	Err    error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %s", e.Stage, e.Sender.Hex())
	if e.Target != nil {
		fmt.Fprintf(&b, " target=%s", e.Target.Hex())
	}
	if e.Nonce != nil {
		fmt.Fprintf(&b, " nonce=%s", e.Nonce.String())
	}
	if e.Hash != nil {
		fmt.Fprintf(&b, " hash=%s", e.Hash.Hex())
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient condition where submitting
// the same call again later can succeed.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrSaltReused), errors.Is(err, ErrPaymasterRejected):
		return false
	case errors.Is(err, ErrPaymasterUnavailable),
		errors.Is(err, ErrAccountUnreachable),
		errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, ErrDeploymentPending):
		return true
	}
	return false
}
