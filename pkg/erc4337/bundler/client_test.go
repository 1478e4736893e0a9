package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/smartwallet/core/testutil"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

var testChainID = big.NewInt(84531)

func testOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"),
		Nonce:                big.NewInt(4),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(50000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(48000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Signature:            userop.DummySignature,
	}
}

func newTestClient(t *testing.T, srv *testutil.RPCServer, opts ...Option) *BundlerClient {
	opts = append([]Option{WithChainID(testChainID)}, opts...)
	bc, err := NewBundlerClient(srv.URL, testutil.TestEntryPoint, opts...)
	require.NoError(t, err)
	t.Cleanup(bc.Close)
	return bc
}

func echoHash(op *userop.UserOperation) testutil.RPCHandler {
	return func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return op.GetUserOpHash(testutil.TestEntryPoint, testChainID).Hex(), nil
	}
}

type fakeLedger map[common.Hash]bool

func (l fakeLedger) HasSubmitted(hash common.Hash) (bool, error) {
	return l[hash], nil
}

func TestSendUserOperation(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	op := testOp()
	srv.Handle("eth_sendUserOperation", echoHash(op))
	bc := newTestClient(t, srv)

	hash, err := bc.SendUserOperation(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, op.GetUserOpHash(testutil.TestEntryPoint, testChainID), hash)

	reqs := srv.Requests("eth_sendUserOperation")
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Params, 2)

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(reqs[0].Params[0], &sent))
	assert.Equal(t, op.Sender, sent.Sender)
	assert.Equal(t, int64(4), sent.Nonce.Int64())
	assert.JSONEq(t, `"0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"`, string(reqs[0].Params[1]))
}

func TestSendDuplicateIsRejectedLocally(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	op := testOp()
	srv.Handle("eth_sendUserOperation", echoHash(op))
	bc := newTestClient(t, srv)

	_, err := bc.SendUserOperation(context.Background(), op)
	require.NoError(t, err)

	_, err = bc.SendUserOperation(context.Background(), op.Copy())
	assert.ErrorIs(t, err, erc4337.ErrSubmissionRejected)
	assert.Len(t, srv.Requests("eth_sendUserOperation"), 1, "duplicate must not reach the bundler")
}

func TestSendDuplicateFromLedger(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	op := testOp()
	srv.Handle("eth_sendUserOperation", echoHash(op))
	ledger := fakeLedger{op.GetUserOpHash(testutil.TestEntryPoint, testChainID): true}
	bc := newTestClient(t, srv, WithLedger(ledger))

	_, err := bc.SendUserOperation(context.Background(), op)
	assert.ErrorIs(t, err, erc4337.ErrSubmissionRejected)
	assert.Empty(t, srv.Requests("eth_sendUserOperation"))
}

func TestSendRejectedCanBeResent(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	op := testOp()
	srv.Handle("eth_sendUserOperation", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: testutil.RejectedByEntryPointCode, Message: "AA21 didn't pay prefund"}
	})
	bc := newTestClient(t, srv)

	_, err := bc.SendUserOperation(context.Background(), op)
	require.Error(t, err)
	assert.ErrorIs(t, err, erc4337.ErrSubmissionRejected)
	assert.False(t, errors.Is(err, erc4337.ErrSaltReused))
	assert.Contains(t, err.Error(), "AA21")

	// a rejected hash was never accepted, so a second attempt reaches the bundler
	srv.Handle("eth_sendUserOperation", echoHash(op))
	_, err = bc.SendUserOperation(context.Background(), op)
	require.NoError(t, err)
	assert.Len(t, srv.Requests("eth_sendUserOperation"), 2)
}

func TestSendSaltReused(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_sendUserOperation", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: testutil.RejectedByEntryPointCode, Message: "AA10 sender already constructed"}
	})
	bc := newTestClient(t, srv)

	_, err := bc.SendUserOperation(context.Background(), testOp())
	assert.ErrorIs(t, err, erc4337.ErrSaltReused)
	assert.ErrorIs(t, err, erc4337.ErrSubmissionRejected)
	assert.False(t, erc4337.IsRetryable(err))
}

func TestSendTransportFailureIsNotARejection(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.FailWith(502)
	bc := newTestClient(t, srv)

	_, err := bc.SendUserOperation(context.Background(), testOp())
	require.Error(t, err)
	assert.False(t, errors.Is(err, erc4337.ErrSubmissionRejected))
}

func TestChainIDIsCached(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_chainId", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return "0x14a33", nil
	})
	bc, err := NewBundlerClient(srv.URL, testutil.TestEntryPoint)
	require.NoError(t, err)
	defer bc.Close()

	for i := 0; i < 2; i++ {
		id, err := bc.ChainID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(84531), id.Int64())
	}
	assert.Len(t, srv.Requests("eth_chainId"), 1)
}

func TestEstimateUserOperationGas(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_estimateUserOperationGas", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return map[string]interface{}{
			"preVerificationGas": "0xbb80",
			"verificationGas":    "150000",
			"callGasLimit":       33100,
		}, nil
	})
	bc := newTestClient(t, srv)

	est, err := bc.EstimateUserOperationGas(context.Background(), testOp())
	require.NoError(t, err)
	assert.Equal(t, int64(48000), est.PreVerificationGas.Int64())
	assert.Equal(t, int64(150000), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(33100), est.CallGasLimit.Int64())
}

func TestEstimateUserOperationGasIncomplete(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_estimateUserOperationGas", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return map[string]interface{}{"callGasLimit": "0x1"}, nil
	})
	bc := newTestClient(t, srv)

	_, err := bc.EstimateUserOperationGas(context.Background(), testOp())
	assert.Error(t, err)
}

func TestGetUserOperationReceipt(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	hash := common.HexToHash("0x1234")
	tx := common.HexToHash("0xbeef")

	srv.Handle("eth_getUserOperationReceipt", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		var asked common.Hash
		if err := json.Unmarshal(params[0], &asked); err != nil {
			return nil, &testutil.RPCError{Code: testutil.InvalidParamsCode, Message: err.Error()}
		}
		if asked != hash {
			return nil, nil
		}
		return map[string]interface{}{
			"userOpHash":    hash.Hex(),
			"sender":        "0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6",
			"paymaster":     "0x0000000000000000000000000000000000000000",
			"nonce":         "0x4",
			"success":       true,
			"actualGasCost": "0x1000",
			"actualGasUsed": "0x100",
			"receipt": map[string]interface{}{
				"transactionHash": tx.Hex(),
				"blockHash":       common.HexToHash("0xb1").Hex(),
				"blockNumber":     "0x64",
			},
		}, nil
	})
	bc := newTestClient(t, srv)

	receipt, err := bc.GetUserOperationReceipt(context.Background(), hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, tx, receipt.Receipt.TransactionHash)
	assert.Equal(t, int64(0x100), receipt.ActualGasUsed.ToInt().Int64())

	pending, err := bc.GetUserOperationReceipt(context.Background(), common.HexToHash("0x99"))
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestGetUserOperationByHashUnknown(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_getUserOperationByHash", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, nil
	})
	bc := newTestClient(t, srv)

	res, err := bc.GetUserOperationByHash(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, res.Included())
}

func TestSupportedEntryPoints(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle("eth_supportedEntryPoints", func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return []string{testutil.TestEntryPoint.Hex()}, nil
	})
	bc := newTestClient(t, srv)

	eps, err := bc.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testutil.TestEntryPoint}, eps)
}
