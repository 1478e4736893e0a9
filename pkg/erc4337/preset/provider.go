package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/core/journal"
	"github.com/AvaProtocol/smartwallet/metrics"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

// Sponsor obtains paymaster data for an operation.
type Sponsor interface {
	Sponsor(ctx context.Context, op *userop.UserOperation) (*paymaster.Quote, error)
}

// Bundler submits operations and reports their receipts.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOpReceipt, error)
}

// Provider drives operations of one smart account from calls to inclusion.
// Operations of the account are numbered and submitted one at a time;
// providers of different accounts do not wait on each other.
type Provider struct {
	client  ChainClient
	account aa.Account
	builder *Builder
	bundler Bundler
	sponsor Sponsor
	waiter  *bundler.Waiter
	nonces  *bundler.NonceManager
	cache   *bigcache.BigCache
	journal *journal.Journal
	metrics metrics.MetricsGenerator
	logger  logger.Logger
	// unscoped, handed to the default waiter
	baseLogger logger.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

type ProviderOption func(*Provider)

// WithPaymaster sponsors every operation through s.
func WithPaymaster(s Sponsor) ProviderOption {
	return func(p *Provider) { p.sponsor = s }
}

func WithJournal(j *journal.Journal) ProviderOption {
	return func(p *Provider) { p.journal = j }
}

func WithMetrics(m metrics.MetricsGenerator) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}

func WithWaiter(w *bundler.Waiter) ProviderOption {
	return func(p *Provider) { p.waiter = w }
}

// WithNonceManager shares pending nonces between providers of the same account.
func WithNonceManager(nm *bundler.NonceManager) ProviderOption {
	return func(p *Provider) { p.nonces = nm }
}

func WithCache(c *bigcache.BigCache) ProviderOption {
	return func(p *Provider) { p.cache = c }
}

func WithLogger(l logger.Logger) ProviderOption {
	return func(p *Provider) {
		p.baseLogger = l
		p.logger = logger.For(l, logger.ComponentProvider)
	}
}

func NewProvider(client ChainClient, account aa.Account, b Bundler, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:  client,
		account: account,
		bundler: b,
		metrics: metrics.NoopMetrics{},
		logger:  logger.Discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.nonces == nil {
		p.nonces = bundler.NewNonceManager(p.logger)
	}
	if p.waiter == nil {
		p.waiter = bundler.NewWaiter(b, bundler.WithWaiterLogger(p.baseLogger))
	}
	p.builder = NewBuilder(client, account, p.nonces, p.cache, p.logger)
	if est, ok := b.(GasEstimator); ok {
		p.builder.estimator = est
	}
	return p
}

func (p *Provider) Account() aa.Account {
	return p.account
}

func (p *Provider) Builder() *Builder {
	return p.builder
}

func (p *Provider) Address(ctx context.Context) (common.Address, error) {
	return p.account.Address(ctx)
}

func (p *Provider) IsDeployed(ctx context.Context) (bool, error) {
	sender, err := p.account.Address(ctx)
	if err != nil {
		return false, err
	}
	return p.builder.IsDeployed(ctx, sender)
}

// ChainID is read from the node once.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()

	if p.chainID == nil {
		id, err := p.client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		p.chainID = id
	}
	return new(big.Int).Set(p.chainID), nil
}

// SendOperation submits one user operation executing call.
func (p *Provider) SendOperation(ctx context.Context, call aa.Call) (*PendingOperation, error) {
	return p.send(ctx, []aa.Call{call})
}

// SendBatch submits a single user operation executing every call in order.
// An invalid call fails the whole batch before anything is sent.
func (p *Provider) SendBatch(ctx context.Context, calls []aa.Call) (*PendingOperation, error) {
	return p.send(ctx, calls)
}

// AddSigner grants signer the right to sign operations for the account.
// A deployed account where signer already holds the role returns
// aa.ErrSignerExists and nothing is sent.
func (p *Provider) AddSigner(ctx context.Context, signer common.Address) (*PendingOperation, error) {
	mgr, ok := p.account.(aa.SignerManager)
	if !ok {
		return nil, fmt.Errorf("add signer to %s account: %w", p.account.Variant(), aa.ErrUnsupported)
	}
	deployed, err := p.IsDeployed(ctx)
	if err != nil {
		return nil, err
	}
	if deployed {
		has, err := mgr.HasSigner(ctx, signer)
		if err != nil {
			return nil, fmt.Errorf("%w: read roles: %w", erc4337.ErrAccountUnreachable, err)
		}
		if has {
			return nil, fmt.Errorf("%s: %w", signer.Hex(), aa.ErrSignerExists)
		}
	}
	call, err := mgr.GrantSignerCall(ctx, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", erc4337.ErrInvalidCall, err)
	}
	return p.SendOperation(ctx, call)
}

func (p *Provider) send(ctx context.Context, calls []aa.Call) (*PendingOperation, error) {
	o := newOperation(calls)
	start := time.Now()

	callData, err := p.builder.Encode(calls)
	if err != nil {
		return nil, p.fail(o, erc4337.StageBuild, err)
	}
	sender, err := p.account.Address(ctx)
	if err != nil {
		return nil, p.fail(o, erc4337.StageBuild, fmt.Errorf("%w: derive sender: %w", erc4337.ErrAccountUnreachable, err))
	}

	// held from nonce resolution until the bundler accepted or refused the operation
	unlock, err := p.nonces.Lock(ctx, sender)
	if err != nil {
		return nil, p.fail(o, erc4337.StageNonce, err)
	}
	defer unlock()

	uo, err := p.builder.buildFor(ctx, sender, calls, callData)
	if err != nil {
		return nil, p.fail(o, erc4337.StageBuild, err)
	}
	o.mu.Lock()
	o.userOp = uo
	o.mu.Unlock()
	if err := p.advance(o, StateNonceResolved); err != nil {
		return nil, err
	}
	p.observe(erc4337.StageBuild, start)

	if p.sponsor != nil {
		if err := p.sponsorOperation(ctx, o); err != nil {
			return nil, err
		}
	}
	if err := p.sign(ctx, o); err != nil {
		return nil, err
	}
	if err := p.submit(ctx, o); err != nil {
		return nil, err
	}
	return &PendingOperation{provider: p, op: o}, nil
}

func (p *Provider) sponsorOperation(ctx context.Context, o *Operation) error {
	start := time.Now()
	uo := o.UserOperation()

	quote, err := p.sponsor.Sponsor(ctx, uo)
	if err != nil {
		if errors.Is(err, erc4337.ErrPaymasterRejected) {
			p.metrics.IncPaymaster(metrics.PaymasterRejected)
		} else {
			p.metrics.IncPaymaster(metrics.PaymasterUnavailable)
		}
		return p.fail(o, erc4337.StageSponsor, err)
	}
	p.metrics.IncPaymaster(metrics.PaymasterSponsored)

	o.mu.Lock()
	err = paymaster.Apply(o.userOp, quote)
	if err == nil {
		o.quote = quote
	}
	o.mu.Unlock()
	if err != nil {
		return p.fail(o, erc4337.StageSponsor, err)
	}

	p.observe(erc4337.StageSponsor, start)
	return p.advance(o, StateSponsored)
}

func (p *Provider) sign(ctx context.Context, o *Operation) error {
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return p.fail(o, erc4337.StageSign, err)
	}

	o.mu.Lock()
	uo, quote := o.userOp, o.quote
	o.mu.Unlock()

	if quote != nil && !quote.Covers(uo) {
		return p.fail(o, erc4337.StageSign, fmt.Errorf("%w: refusing to sign", erc4337.ErrStaleQuote))
	}

	hash := uo.GetUserOpHash(p.account.EntryPoint(), chainID)
	sig, err := p.account.SignUserOpHash(hash)
	if err != nil {
		return p.fail(o, erc4337.StageSign, fmt.Errorf("sign user operation: %w", err))
	}

	o.mu.Lock()
	uo.Signature = sig
	o.signedHash = hash
	o.mu.Unlock()

	if err := p.advance(o, StateSigned); err != nil {
		return err
	}
	p.record(o)
	return nil
}

func (p *Provider) submit(ctx context.Context, o *Operation) error {
	start := time.Now()
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return p.fail(o, erc4337.StageSubmit, err)
	}
	if err := o.checkSigned(p.account.EntryPoint(), chainID); err != nil {
		return p.fail(o, erc4337.StageSubmit, err)
	}

	uo := o.UserOperation()
	hash, err := p.bundler.SendUserOperation(ctx, uo)
	if err != nil {
		if errors.Is(err, erc4337.ErrSubmissionRejected) {
			// the bundler may know a nonce we do not, read it again next time
			p.nonces.ResetNonce(uo.Sender)
		}
		return p.fail(o, erc4337.StageSubmit, err)
	}

	o.mu.Lock()
	o.hash = hash
	signed := o.signedHash
	o.mu.Unlock()
	if hash != signed {
		p.logger.Warn("bundler reported a different operation hash",
			"signed", signed.Hex(),
			"bundler", hash.Hex())
	}
	p.nonces.IncrementNonce(uo.Sender, uo.Nonce)

	if err := p.advance(o, StateSubmitted); err != nil {
		return err
	}
	p.observe(erc4337.StageSubmit, start)
	p.record(o)

	p.logger.Info("user operation submitted",
		"hash", hash.Hex(),
		"sender", uo.Sender.Hex(),
		"nonce", uo.Nonce.String(),
		"sponsored", o.Sponsored())
	return nil
}

// advance moves o forward and counts the new state.
func (p *Provider) advance(o *Operation, next OpState) error {
	if err := o.advance(next); err != nil {
		return p.opError(o, erc4337.StageBuild, err)
	}
	p.metrics.IncOperation(string(next))
	return nil
}

// fail moves o to Failed, records why and returns err as an OperationError.
func (p *Provider) fail(o *Operation, stage erc4337.Stage, err error) error {
	opErr := p.opError(o, stage, err)

	o.mu.Lock()
	o.err = opErr
	o.mu.Unlock()

	if advErr := o.advance(StateFailed); advErr != nil {
		p.logger.Warn("cannot mark operation failed", "error", advErr)
	} else {
		p.metrics.IncOperation(string(StateFailed))
	}
	p.record(o)

	p.logger.Error("user operation failed", "stage", string(stage), "error", opErr)
	return opErr
}

// opError attaches what is known about o to err unless err already carries it.
func (p *Provider) opError(o *Operation, stage erc4337.Stage, err error) error {
	var existing *erc4337.OperationError
	if errors.As(err, &existing) {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	opErr := &erc4337.OperationError{Stage: stage, Err: err}
	if o.userOp != nil {
		opErr.Sender = o.userOp.Sender
		opErr.Nonce = o.userOp.Nonce
	}
	if len(o.calls) == 1 {
		target := o.calls[0].Target
		opErr.Target = &target
	}
	if o.signedHash != (common.Hash{}) {
		hash := o.signedHash
		opErr.Hash = &hash
	}
	return opErr
}

func (p *Provider) observe(stage erc4337.Stage, start time.Time) {
	p.metrics.ObserveStage(string(stage), time.Since(start).Seconds())
}

// record writes signed operations to the journal. Drafts are never written.
func (p *Provider) record(o *Operation) {
	if p.journal == nil {
		return
	}

	o.mu.Lock()
	if o.signedHash == (common.Hash{}) {
		o.mu.Unlock()
		return
	}
	rec := &journal.Record{
		Hash:      o.signedHash.Hex(),
		Sender:    o.userOp.Sender.Hex(),
		Nonce:     o.userOp.Nonce.String(),
		Targets:   o.targets(),
		State:     string(o.state),
		Sponsored: o.quote != nil,
		Submitted: o.state == StateSubmitted || o.state == StateConfirmed,
	}
	if o.receipt != nil {
		rec.TxHash = o.receipt.Receipt.TransactionHash.Hex()
	}
	if o.err != nil {
		rec.Error = o.err.Error()
	}
	o.mu.Unlock()

	if err := p.journal.Put(rec); err != nil {
		p.logger.Warn("cannot write operation journal", "hash", rec.Hash, "error", err)
	}
}

// PendingOperation is an operation the bundler accepted.
type PendingOperation struct {
	provider *Provider
	op       *Operation
}

func (po *PendingOperation) Hash() common.Hash {
	return po.op.Hash()
}

func (po *PendingOperation) Operation() *Operation {
	return po.op
}

// Wait blocks until the operation is included. On timeout the operation
// stays Submitted and Wait may be called again. A reverted operation returns
// its receipt together with ErrExecutionFailed.
func (po *PendingOperation) Wait(ctx context.Context) (*bundler.UserOpReceipt, error) {
	p, o := po.provider, po.op

	switch o.State() {
	case StateConfirmed:
		return o.Receipt(), nil
	case StateFailed:
		return o.Receipt(), o.Err()
	}

	start := time.Now()
	receipt, err := p.waiter.Wait(ctx, o.Hash())
	if err != nil {
		return nil, p.opError(o, erc4337.StageConfirm, err)
	}
	p.observe(erc4337.StageConfirm, start)

	o.mu.Lock()
	o.receipt = receipt
	o.mu.Unlock()

	if !receipt.Success {
		reason := receipt.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		return receipt, p.fail(o, erc4337.StageConfirm, fmt.Errorf("%w: %s", erc4337.ErrExecutionFailed, reason))
	}

	if err := p.advance(o, StateConfirmed); err != nil {
		return receipt, err
	}
	p.record(o)

	p.logger.Info("user operation confirmed",
		"hash", o.Hash().Hex(),
		"tx", receipt.Receipt.TransactionHash.Hex(),
		"gasUsed", receipt.ActualGasUsed)
	return receipt, nil
}
