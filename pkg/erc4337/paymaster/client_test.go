package paymaster

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/smartwallet/core/testutil"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

var sponsored = hexutil.MustDecode("0xe93eca6595fe94091dc1af46aac2a8b5d79907700000000000000000000000000000000000000000000000000000000065a7f2a900000000000000000000000000000000000000000000000000000000000000001c")

func draftOp() *userop.UserOperation {
	op := &userop.UserOperation{
		Sender:               common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6"),
		Nonce:                big.NewInt(0),
		InitCode:             append(testutil.TestFactory.Bytes(), 0x5f, 0xbf, 0xb9, 0xcf),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6, 0x00},
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(3_000_000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
	op.PreVerificationGas = userop.CalcPreVerificationGas(op)
	return op
}

func sponsorWith(result interface{}) testutil.RPCHandler {
	return func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return result, nil
	}
}

func TestSponsorStringResult(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(SponsorMethod, sponsorWith(hexutil.Encode(sponsored)))
	c := NewClient(srv.URL, testutil.TestEntryPoint)

	op := draftOp()
	before := op.Copy()

	q, err := c.Sponsor(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, sponsored, q.PaymasterAndData)
	assert.Equal(t, before, op, "sponsor must not touch the caller's operation")

	reqs := srv.Requests(SponsorMethod)
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Params, 2)

	var sent userop.UserOperation
	require.NoError(t, json.Unmarshal(reqs[0].Params[0], &sent))
	assert.Equal(t, userop.DummyPaymasterAndData, sent.PaymasterAndData)
	assert.Equal(t, userop.DummySignature, sent.Signature)
	assert.Equal(t, 0, q.PreVerificationGas.Cmp(sent.PreVerificationGas),
		"the quote keeps the preVerificationGas the paymaster priced")

	assert.JSONEq(t, `{"entryPoint":"0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"}`, string(reqs[0].Params[1]))
}

func TestSponsorObjectResult(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(SponsorMethod, sponsorWith(map[string]interface{}{
		"paymasterAndData":     hexutil.Encode(sponsored),
		"preVerificationGas":   "0x1",
		"verificationGasLimit": "0x2",
	}))
	c := NewClient(srv.URL, testutil.TestEntryPoint)

	op := draftOp()
	q, err := c.Sponsor(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, sponsored, q.PaymasterAndData)
	assert.NotEqual(t, int64(1), q.PreVerificationGas.Int64())
}

func TestSponsorPricesFromPlaceholderPreVerificationGas(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(SponsorMethod, sponsorWith(hexutil.Encode(sponsored)))
	c := NewClient(srv.URL, testutil.TestEntryPoint)

	op := draftOp()
	op.PreVerificationGas = big.NewInt(0x7fffffff)

	want := op.Copy()
	want.PaymasterAndData = userop.DummyPaymasterAndData
	want.Signature = userop.DummySignature
	want.PreVerificationGas = userop.DefaultPreVerificationGas

	q, err := c.Sponsor(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, 0, q.PreVerificationGas.Cmp(userop.CalcPreVerificationGas(want)),
		"the incoming preVerificationGas does not change the price")
}

func TestSponsorPreVerificationGasIsKeptAfterApply(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(SponsorMethod, sponsorWith(hexutil.Encode(sponsored)))
	c := NewClient(srv.URL, testutil.TestEntryPoint)

	op := draftOp()
	q, err := c.Sponsor(context.Background(), op)
	require.NoError(t, err)

	require.NoError(t, Apply(op, q))
	assert.True(t, q.Covers(op))
	assert.Equal(t, sponsored, op.PaymasterAndData)
	assert.Equal(t, 0, op.PreVerificationGas.Cmp(q.PreVerificationGas))
}

func TestSponsorRejected(t *testing.T) {
	cases := map[string]testutil.RPCHandler{
		"error envelope": func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
			return nil, &testutil.RPCError{Code: testutil.PaymasterRejectedCode, Message: "policy limit reached"}
		},
		"null result":      sponsorWith(nil),
		"missing result":   sponsorWith(testutil.NoResult),
		"short data":       sponsorWith("0x1234"),
		"not hex":          sponsorWith("paymaster"),
		"object w/o field": sponsorWith(map[string]interface{}{"foo": "bar"}),
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := testutil.NewRPCServer(t)
			srv.Handle(SponsorMethod, h)
			c := NewClient(srv.URL, testutil.TestEntryPoint)

			_, err := c.Sponsor(context.Background(), draftOp())
			assert.ErrorIs(t, err, erc4337.ErrPaymasterRejected)
			assert.False(t, erc4337.IsRetryable(err))
			assert.Len(t, srv.Requests(SponsorMethod), 1, "no automatic retry")
		})
	}
}

func TestSponsorUnavailable(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.FailWith(http.StatusServiceUnavailable)
	c := NewClient(srv.URL, testutil.TestEntryPoint)

	_, err := c.Sponsor(context.Background(), draftOp())
	assert.ErrorIs(t, err, erc4337.ErrPaymasterUnavailable)
	assert.True(t, erc4337.IsRetryable(err))
	assert.Len(t, srv.Requests(SponsorMethod), 1)
}

func TestSponsorTimeout(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(SponsorMethod, func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		time.Sleep(300 * time.Millisecond)
		return hexutil.Encode(sponsored), nil
	})
	c := NewClient(srv.URL, testutil.TestEntryPoint, WithTimeout(50*time.Millisecond))

	_, err := c.Sponsor(context.Background(), draftOp())
	assert.ErrorIs(t, err, erc4337.ErrPaymasterUnavailable)
}

func TestSponsorUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testutil.TestEntryPoint)
	_, err := c.Sponsor(context.Background(), draftOp())
	assert.ErrorIs(t, err, erc4337.ErrPaymasterUnavailable)
}
