package paymaster

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

func quoteFor(op *userop.UserOperation) *Quote {
	return &Quote{
		PaymasterAndData:   sponsored,
		PreVerificationGas: big.NewInt(51000),
		digest:             coveredDigest(op),
	}
}

func TestQuoteCoversOnlyAppliedOperation(t *testing.T) {
	op := draftOp()
	q := quoteFor(op)

	assert.False(t, q.Covers(op), "quote not applied yet")
	require.NoError(t, Apply(op, q))
	assert.True(t, q.Covers(op))

	// the signature is not covered
	op.Signature = userop.DummySignature
	assert.True(t, q.Covers(op))
}

func TestQuoteGoesStale(t *testing.T) {
	mutations := map[string]func(op *userop.UserOperation){
		"nonce":        func(op *userop.UserOperation) { op.Nonce = big.NewInt(1) },
		"callData":     func(op *userop.UserOperation) { op.CallData = append(op.CallData, 0x01) },
		"callGasLimit": func(op *userop.UserOperation) { op.CallGasLimit = big.NewInt(1) },
		"maxFee":       func(op *userop.UserOperation) { op.MaxFeePerGas = big.NewInt(1) },
		"initCode":     func(op *userop.UserOperation) { op.InitCode = nil },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			op := draftOp()
			q := quoteFor(op)
			require.NoError(t, Apply(op, q))

			mutate(op)
			assert.False(t, q.Covers(op))
			assert.ErrorIs(t, Apply(op, q), erc4337.ErrStaleQuote)
		})
	}
}

func TestQuoteRejectsReplacedPaymasterData(t *testing.T) {
	op := draftOp()
	q := quoteFor(op)
	require.NoError(t, Apply(op, q))

	op.PaymasterAndData = userop.DummyPaymasterAndData
	assert.False(t, q.Covers(op))

	op.PaymasterAndData = sponsored
	op.PreVerificationGas = big.NewInt(1)
	assert.False(t, q.Covers(op))
}
