package preset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
)

// NonceOracle resolves the nonce of the next operation of an account. It
// combines the chain with operations this process submitted but that are
// not mined yet.
type NonceOracle struct {
	account aa.Account
	pending *bundler.NonceManager
}

func NewNonceOracle(account aa.Account, pending *bundler.NonceManager) *NonceOracle {
	if pending == nil {
		pending = bundler.NewNonceManager(nil)
	}
	return &NonceOracle{account: account, pending: pending}
}

// Next returns 0 for an undeployed account, otherwise the account's on-chain
// nonce, raised past operations still pending in the bundler. While the
// deploying operation of an account is pending, Next refuses with
// ErrDeploymentPending.
func (o *NonceOracle) Next(ctx context.Context, sender common.Address, deployed bool) (*big.Int, error) {
	if !deployed {
		if n, ok := o.pending.GetCachedNonce(sender); ok && n.Sign() > 0 {
			return nil, fmt.Errorf("%w: %s", erc4337.ErrDeploymentPending, sender.Hex())
		}
	}
	return o.pending.GetNextNonce(ctx, sender, func(ctx context.Context) (*big.Int, error) {
		if !deployed {
			return new(big.Int), nil
		}
		n, err := o.account.Nonce(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("%w: read nonce of %s: %w", erc4337.ErrAccountUnreachable, sender.Hex(), err)
		}
		return n, nil
	})
}
