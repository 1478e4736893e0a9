package paymaster

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

// Quote is a paymaster's answer for one operation. It only holds for the
// exact fields it was computed against.
type Quote struct {
	PaymasterAndData []byte
	// PreVerificationGas is the value the paymaster priced, it must be kept.
	PreVerificationGas *big.Int

	digest common.Hash
}

// Covers reports whether op is still the operation the quote was issued for
// with the quote applied.
func (q *Quote) Covers(op *userop.UserOperation) bool {
	if coveredDigest(op) != q.digest {
		return false
	}
	if op.PreVerificationGas == nil || op.PreVerificationGas.Cmp(q.PreVerificationGas) != 0 {
		return false
	}
	return bytes.Equal(op.PaymasterAndData, q.PaymasterAndData)
}

// Apply writes the quote into op. It fails with ErrStaleQuote when a field
// the quote depends on changed since sponsorship.
func Apply(op *userop.UserOperation, q *Quote) error {
	if coveredDigest(op) != q.digest {
		return fmt.Errorf("%w: operation of %s changed after sponsorship", erc4337.ErrStaleQuote, op.Sender.Hex())
	}
	op.PaymasterAndData = append([]byte{}, q.PaymasterAndData...)
	op.PreVerificationGas = new(big.Int).Set(q.PreVerificationGas)
	return nil
}

// coveredDigest hashes every field except the ones sponsorship itself sets
// and the signature.
func coveredDigest(op *userop.UserOperation) common.Hash {
	p := op.Copy()
	p.PaymasterAndData = nil
	p.PreVerificationGas = nil
	p.Signature = nil
	return crypto.Keccak256Hash(p.PackForSignature())
}
