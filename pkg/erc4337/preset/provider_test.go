package preset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
	"github.com/AvaProtocol/smartwallet/core/journal"
	"github.com/AvaProtocol/smartwallet/core/testutil"
	"github.com/AvaProtocol/smartwallet/metrics"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/smartwallet/storage"
)

var sponsoredData = hexutil.MustDecode("0xe93eca6595fe94091dc1af46aac2a8b5d79907700000000000000000000000000000000000000000000000000000000065a7f2a900000000000000000000000000000000000000000000000000000000000000001c")

// fakeBundler accepts everything unless err is set and answers receipts from
// a map.
type fakeBundler struct {
	mu       sync.Mutex
	chainID  *big.Int
	sent     []*userop.UserOperation
	receipts map[common.Hash]*bundler.UserOpReceipt
	err      error

	inFlight int32
	overlap  int32
}

func newFakeBundler() *fakeBundler {
	return &fakeBundler{chainID: big.NewInt(84531), receipts: map[common.Hash]*bundler.UserOpReceipt{}}
}

func (f *fakeBundler) SendUserOperation(_ context.Context, op *userop.UserOperation) (common.Hash, error) {
	if atomic.AddInt32(&f.inFlight, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	defer atomic.AddInt32(&f.inFlight, -1)
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.sent = append(f.sent, op.Copy())
	return op.GetUserOpHash(testutil.TestEntryPoint, f.chainID), nil
}

func (f *fakeBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*bundler.UserOpReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeBundler) include(hash common.Hash, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &bundler.UserOpReceipt{
		UserOpHash:    hash,
		Success:       success,
		ActualGasUsed: (*hexutil.Big)(big.NewInt(91000)),
		Receipt: bundler.TxReceipt{
			TransactionHash: common.HexToHash("0xabc1"),
			BlockNumber:     (*hexutil.Big)(big.NewInt(101)),
		},
	}
}

func (f *fakeBundler) sentOps() []*userop.UserOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*userop.UserOperation{}, f.sent...)
}

// estimatingBundler also answers eth_estimateUserOperationGas.
type estimatingBundler struct {
	*fakeBundler
	est  *bundler.GasEstimation
	err  error
	seen []*userop.UserOperation
}

func (e *estimatingBundler) EstimateUserOperationGas(_ context.Context, op *userop.UserOperation) (*bundler.GasEstimation, error) {
	e.seen = append(e.seen, op.Copy())
	if e.err != nil {
		return nil, e.err
	}
	return e.est, nil
}

// recordingMetrics counts what the provider reports.
type recordingMetrics struct {
	mu        sync.Mutex
	states    map[string]int
	paymaster map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{states: map[string]int{}, paymaster: map[string]int{}}
}

func (m *recordingMetrics) IncOperation(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state]++
}

func (m *recordingMetrics) IncPaymaster(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymaster[outcome]++
}

func (m *recordingMetrics) ObserveStage(string, float64) {}

func newTestJournal(t *testing.T) *journal.Journal {
	db, err := storage.New(&storage.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return journal.New(db)
}

type providerFixture struct {
	chain    *testutil.FakeChain
	bundler  *fakeBundler
	journal  *journal.Journal
	metrics  *recordingMetrics
	provider *Provider
	sender   common.Address
}

func newProviderFixture(t *testing.T, opts ...ProviderOption) *providerFixture {
	f := &providerFixture{
		chain:   testutil.NewFakeChain(84531),
		bundler: newFakeBundler(),
		journal: newTestJournal(t),
		metrics: newRecordingMetrics(),
	}
	acc := newAccount(t, f.chain)
	f.sender, _ = acc.Address(context.Background())

	opts = append([]ProviderOption{
		WithJournal(f.journal),
		WithMetrics(f.metrics),
		WithCache(testutil.GetDefaultCache()),
	}, opts...)
	f.provider = NewProvider(f.chain, acc, f.bundler, opts...)
	return f
}

func TestSendOperationSubmitsSignedOperation(t *testing.T) {
	f := newProviderFixture(t)

	pending, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)
	assert.Equal(t, StateSubmitted, pending.Operation().State())

	sent := f.bundler.sentOps()
	require.Len(t, sent, 1)
	op := sent[0]
	assert.Equal(t, f.sender, op.Sender)
	assert.Empty(t, op.PaymasterAndData)

	hash := op.GetUserOpHash(testutil.TestEntryPoint, big.NewInt(84531))
	assert.Equal(t, hash, pending.Hash())
	owner, err := signer.RecoverMessageSigner(hash.Bytes(), op.Signature)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestOwner().Address(), owner)

	rec, err := f.journal.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, string(StateSubmitted), rec.State)
	assert.True(t, rec.Submitted)
	assert.False(t, rec.Sponsored)
	assert.Equal(t, []string{tokenAddr.Hex()}, rec.Targets)

	assert.Equal(t, 1, f.metrics.states[string(StateNonceResolved)])
	assert.Equal(t, 1, f.metrics.states[string(StateSigned)])
	assert.Equal(t, 1, f.metrics.states[string(StateSubmitted)])
	assert.Zero(t, f.metrics.states[string(StateSponsored)])
}

func TestWaitConfirmsOperation(t *testing.T) {
	f := newProviderFixture(t)

	pending, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)
	f.bundler.include(pending.Hash(), true)

	receipt, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, StateConfirmed, pending.Operation().State())
	assert.Equal(t, receipt, pending.Operation().Receipt())

	rec, err := f.journal.Get(pending.Hash())
	require.NoError(t, err)
	assert.Equal(t, string(StateConfirmed), rec.State)
	assert.Equal(t, common.HexToHash("0xabc1").Hex(), rec.TxHash)
	assert.True(t, rec.Submitted)

	// a confirmed operation answers from memory
	again, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, receipt, again)
}

func TestWaitRevertedOperation(t *testing.T) {
	f := newProviderFixture(t)

	pending, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)
	f.bundler.include(pending.Hash(), false)

	receipt, err := pending.Wait(context.Background())
	require.NotNil(t, receipt, "a reverted operation still has a receipt")
	assert.ErrorIs(t, err, erc4337.ErrExecutionFailed)
	assert.Equal(t, StateFailed, pending.Operation().State())

	var opErr *erc4337.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, erc4337.StageConfirm, opErr.Stage)

	rec, err := f.journal.Get(pending.Hash())
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), rec.State)
	assert.True(t, rec.Submitted, "the bundler accepted the hash before it reverted")
}

func TestWaitTimeoutKeepsOperationSubmitted(t *testing.T) {
	f := newProviderFixture(t)
	b := f.bundler
	f.provider.waiter = bundler.NewWaiter(b, bundler.WithTimeout(0))

	pending, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, erc4337.ErrConfirmationTimeout)
	assert.True(t, erc4337.IsRetryable(err))
	assert.Equal(t, StateSubmitted, pending.Operation().State())

	var opErr *erc4337.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, erc4337.StageConfirm, opErr.Stage)

	// included later, waiting again succeeds
	b.include(pending.Hash(), true)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, pending.Operation().State())
}

func TestSendSponsoredOperation(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(paymaster.SponsorMethod, func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return hexutil.Encode(sponsoredData), nil
	})
	f := newProviderFixture(t, WithPaymaster(paymaster.NewClient(srv.URL, testutil.TestEntryPoint)))

	pending, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)
	assert.True(t, pending.Operation().Sponsored())

	reqs := srv.Requests(paymaster.SponsorMethod)
	require.Len(t, reqs, 1)
	var priced userop.UserOperation
	require.NoError(t, json.Unmarshal(reqs[0].Params[0], &priced))

	sent := f.bundler.sentOps()
	require.Len(t, sent, 1)
	assert.Equal(t, sponsoredData, sent[0].PaymasterAndData)
	assert.Equal(t, 0, sent[0].PreVerificationGas.Cmp(priced.PreVerificationGas),
		"the submitted preVerificationGas is the one the paymaster priced")

	rec, err := f.journal.Get(pending.Hash())
	require.NoError(t, err)
	assert.True(t, rec.Sponsored)

	assert.Equal(t, 1, f.metrics.paymaster[metrics.PaymasterSponsored])
	assert.Equal(t, 1, f.metrics.states[string(StateSponsored)])
}

func TestSendPaymasterRejected(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.Handle(paymaster.SponsorMethod, func(params []json.RawMessage) (interface{}, *testutil.RPCError) {
		return nil, &testutil.RPCError{Code: testutil.PaymasterRejectedCode, Message: "policy denied"}
	})
	f := newProviderFixture(t, WithPaymaster(paymaster.NewClient(srv.URL, testutil.TestEntryPoint)))

	_, err := f.provider.SendOperation(context.Background(), transferCall())
	assert.ErrorIs(t, err, erc4337.ErrPaymasterRejected)
	assert.False(t, erc4337.IsRetryable(err))

	var opErr *erc4337.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, erc4337.StageSponsor, opErr.Stage)
	assert.Nil(t, opErr.Hash, "nothing was signed")

	assert.Empty(t, f.bundler.sentOps())
	assert.Equal(t, 1, f.metrics.paymaster[metrics.PaymasterRejected])
	assert.Equal(t, 1, f.metrics.states[string(StateFailed)])

	recs, err := f.journal.ListBySender(f.sender)
	require.NoError(t, err)
	assert.Empty(t, recs, "unsigned operations are not journaled")
}

func TestSendPaymasterUnavailable(t *testing.T) {
	srv := testutil.NewRPCServer(t)
	srv.FailWith(503)
	f := newProviderFixture(t, WithPaymaster(paymaster.NewClient(srv.URL, testutil.TestEntryPoint)))

	_, err := f.provider.SendOperation(context.Background(), transferCall())
	assert.ErrorIs(t, err, erc4337.ErrPaymasterUnavailable)
	assert.True(t, erc4337.IsRetryable(err))
	assert.Equal(t, 1, f.metrics.paymaster[metrics.PaymasterUnavailable])
}

func TestSendSubmissionRejected(t *testing.T) {
	f := newProviderFixture(t)
	f.bundler.err = fmt.Errorf("eth_sendUserOperation: %w: AA25 invalid account nonce", erc4337.ErrSubmissionRejected)

	_, err := f.provider.SendOperation(context.Background(), transferCall())
	assert.ErrorIs(t, err, erc4337.ErrSubmissionRejected)

	var opErr *erc4337.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, erc4337.StageSubmit, opErr.Stage)
	require.NotNil(t, opErr.Hash)

	rec, err := f.journal.Get(*opErr.Hash)
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), rec.State)
	assert.False(t, rec.Submitted)
	assert.Contains(t, rec.Error, "AA25")

	_, cached := f.provider.nonces.GetCachedNonce(f.sender)
	assert.False(t, cached, "a rejected nonce is forgotten")
}

func TestSendUsesConsecutiveNonces(t *testing.T) {
	f := newProviderFixture(t)
	deploy(f.chain, f.sender, 7)

	for i := 0; i < 3; i++ {
		_, err := f.provider.SendOperation(context.Background(), transferCall())
		require.NoError(t, err)
	}

	sent := f.bundler.sentOps()
	require.Len(t, sent, 3)
	for i, op := range sent {
		assert.Equal(t, int64(7+i), op.Nonce.Int64())
	}
}

func TestSendRaisesGasToBundlerEstimate(t *testing.T) {
	chain := testutil.NewFakeChain(84531)
	b := &estimatingBundler{fakeBundler: newFakeBundler(), est: &bundler.GasEstimation{
		PreVerificationGas:   big.NewInt(1),
		CallGasLimit:         big.NewInt(900_000),
		VerificationGasLimit: big.NewInt(10),
	}}
	p := NewProvider(chain, newAccount(t, chain), b)

	_, err := p.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)

	require.Len(t, b.seen, 1)
	assert.Equal(t, userop.DummySignature, b.seen[0].Signature)

	sent := b.sentOps()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(900_000), sent[0].CallGasLimit.Int64(), "the bundler asked for more")
	assert.Equal(t, int64(150_000), sent[0].VerificationGasLimit.Int64(), "the local limit was higher")
	assert.NotEqual(t, int64(1), sent[0].PreVerificationGas.Int64(), "preVerificationGas is always computed locally")
}

func TestSendKeepsLocalGasWhenBundlerCannotEstimate(t *testing.T) {
	chain := testutil.NewFakeChain(84531)
	b := &estimatingBundler{fakeBundler: newFakeBundler(), err: fmt.Errorf("%w: AA21 didn't pay prefund", erc4337.ErrSubmissionRejected)}
	p := NewProvider(chain, newAccount(t, chain), b)

	_, err := p.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)

	sent := b.sentOps()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(50_000), sent[0].CallGasLimit.Int64())
	assert.Equal(t, int64(150_000), sent[0].VerificationGasLimit.Int64())
}

func TestSendStopsWhenBundlerReportsSaltReused(t *testing.T) {
	chain := testutil.NewFakeChain(84531)
	b := &estimatingBundler{fakeBundler: newFakeBundler(),
		err: fmt.Errorf("%w: %w: AA10 sender already constructed", erc4337.ErrSubmissionRejected, erc4337.ErrSaltReused)}
	p := NewProvider(chain, newAccount(t, chain), b)

	_, err := p.SendOperation(context.Background(), transferCall())
	assert.ErrorIs(t, err, erc4337.ErrSaltReused)
	assert.Empty(t, b.sentOps())
}

func TestSendWhileDeploymentPending(t *testing.T) {
	f := newProviderFixture(t)

	first, err := f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)
	assert.True(t, first.Operation().UserOperation().HasInitCode())

	// the deploying operation is not mined yet
	_, err = f.provider.SendOperation(context.Background(), transferCall())
	assert.ErrorIs(t, err, erc4337.ErrDeploymentPending)
	assert.True(t, erc4337.IsRetryable(err))

	var opErr *erc4337.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, erc4337.StageNonce, opErr.Stage)
	require.Len(t, f.bundler.sentOps(), 1)

	deploy(f.chain, f.sender, 1)
	_, err = f.provider.SendOperation(context.Background(), transferCall())
	require.NoError(t, err)

	sent := f.bundler.sentOps()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(0), sent[0].Nonce.Int64())
	assert.NotEmpty(t, sent[0].InitCode)
	assert.Equal(t, int64(1), sent[1].Nonce.Int64())
	assert.Empty(t, sent[1].InitCode)
}

func TestConcurrentSendsAreSerializedPerAccount(t *testing.T) {
	f := newProviderFixture(t)
	deploy(f.chain, f.sender, 0)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.provider.SendOperation(context.Background(), transferCall())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sent := f.bundler.sentOps()
	require.Len(t, sent, n)
	seen := map[int64]bool{}
	for _, op := range sent {
		seen[op.Nonce.Int64()] = true
	}
	for i := int64(0); i < n; i++ {
		assert.True(t, seen[i], "nonce %d", i)
	}
	assert.Zero(t, atomic.LoadInt32(&f.bundler.overlap), "submissions of one account never overlap")
}

func TestSendBatchIsOneOperation(t *testing.T) {
	f := newProviderFixture(t)

	calls := []aa.Call{transferCall(), {Target: editionAddr, Data: []byte{0x01}}}
	pending, err := f.provider.SendBatch(context.Background(), calls)
	require.NoError(t, err)

	sent := f.bundler.sentOps()
	require.Len(t, sent, 1)
	decoded, err := f.provider.Account().DecodeCallData(sent[0].CallData)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)

	rec, err := f.journal.Get(pending.Hash())
	require.NoError(t, err)
	assert.Equal(t, []string{tokenAddr.Hex(), editionAddr.Hex()}, rec.Targets)
}

func TestSendBatchInvalidCall(t *testing.T) {
	f := newProviderFixture(t)

	_, err := f.provider.SendBatch(context.Background(), []aa.Call{transferCall(), {Data: []byte{0x01}}})
	assert.ErrorIs(t, err, erc4337.ErrInvalidCall)
	assert.Empty(t, f.bundler.sentOps())
	assert.Zero(t, f.chain.Count("eth_getCode"))
}

func TestAddSigner(t *testing.T) {
	f := newProviderFixture(t)
	cosigner := testutil.TestPersonal().Address()

	_, err := f.provider.AddSigner(context.Background(), cosigner)
	require.NoError(t, err)

	sent := f.bundler.sentOps()
	require.Len(t, sent, 1)
	calls, err := f.provider.Account().DecodeCallData(sent[0].CallData)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, f.sender, calls[0].Target, "the role is granted by a self call")

	method, err := aa.DynamicAccountABI.MethodById(calls[0].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "grantRole", method.Name)
}

func stubSignerRole(f *providerFixture, holder common.Address) {
	f.chain.Handle(f.sender, aa.DynamicAccountABI, "hasRole", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{args[1].(common.Address) == holder}, nil
	})
}

func TestAddSignerSkipsExistingSigner(t *testing.T) {
	f := newProviderFixture(t)
	deploy(f.chain, f.sender, 4)
	cosigner := testutil.TestPersonal().Address()
	stubSignerRole(f, cosigner)

	pending, err := f.provider.AddSigner(context.Background(), cosigner)
	assert.ErrorIs(t, err, aa.ErrSignerExists)
	assert.Nil(t, pending)
	assert.Empty(t, f.bundler.sentOps())
}

func TestAddSignerGrantsOnDeployedAccount(t *testing.T) {
	f := newProviderFixture(t)
	deploy(f.chain, f.sender, 4)
	stubSignerRole(f, common.HexToAddress("0x0c"))

	_, err := f.provider.AddSigner(context.Background(), testutil.TestPersonal().Address())
	require.NoError(t, err)

	sent := f.bundler.sentOps()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(4), sent[0].Nonce.Int64())
	assert.Empty(t, sent[0].InitCode)
}

func TestAddSignerUnsupportedVariant(t *testing.T) {
	chain := testutil.NewFakeChain(84531)
	acc, err := aa.NewSimpleAccount(aa.AccountConfig{
		Owner:      testutil.TestOwner(),
		Factory:    testutil.TestFactory,
		EntryPoint: testutil.TestEntryPoint,
	}, chain, nil)
	require.NoError(t, err)
	b := newFakeBundler()
	p := NewProvider(chain, acc, b)

	_, err = p.AddSigner(context.Background(), testutil.TestPersonal().Address())
	assert.True(t, errors.Is(err, aa.ErrUnsupported))
	assert.Empty(t, b.sentOps())
}

func TestChainIDIsCached(t *testing.T) {
	f := newProviderFixture(t)

	id, err := f.provider.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(84531), id.Int64())

	id.SetInt64(1)
	again, err := f.provider.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(84531), again.Int64(), "callers get a copy")
}
