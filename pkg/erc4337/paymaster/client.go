// Package paymaster asks a verifying paymaster service to sponsor user
// operations over the pm_sponsorUserOperation JSON-RPC method.
package paymaster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
	"github.com/AvaProtocol/smartwallet/pkg/logger"
)

const (
	SponsorMethod  = "pm_sponsorUserOperation"
	DefaultTimeout = 15 * time.Second
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// sponsorResult is the object form some paymasters answer with. Gas limits
// they add are ignored; the operation keeps the values it was priced with.
type sponsorResult struct {
	PaymasterAndData string `mapstructure:"paymasterAndData"`
}

type Client struct {
	http       *resty.Client
	url        string
	entryPoint common.Address
	logger     logger.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.logger = logger.For(l, logger.ComponentPaymaster) }
}

func NewClient(url string, entryPoint common.Address, opts ...Option) *Client {
	httpClient := resty.New()
	httpClient.SetTimeout(DefaultTimeout)
	httpClient.SetHeader("Content-Type", "application/json")

	c := &Client{
		http:       httpClient,
		url:        url,
		entryPoint: entryPoint,
		logger:     logger.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sponsor prices op with placeholder paymaster data and signature, then asks
// the paymaster for its paymasterAndData. op itself is not modified; use Apply.
// Failures are not retried.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation) (*Quote, error) {
	draft := op.Copy()
	draft.PaymasterAndData = append([]byte{}, userop.DummyPaymasterAndData...)
	draft.Signature = append([]byte{}, userop.DummySignature...)
	// priced from the 21000 placeholder, not from the builder's estimate
	draft.PreVerificationGas = nil
	draft.PreVerificationGas = userop.CalcPreVerificationGas(draft)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  SponsorMethod,
		Params:  []interface{}{draft, map[string]string{"entryPoint": c.entryPoint.Hex()}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode sponsor request: %w", err)
	}

	c.logger.Debug("requesting sponsorship",
		"sender", op.Sender.Hex(),
		"nonce", draft.Nonce.String(),
		"preVerificationGas", draft.PreVerificationGas.String())

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", erc4337.ErrPaymasterUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: http %d: %s", erc4337.ErrPaymasterUnavailable, resp.StatusCode(), preview(resp.String(), 200))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", erc4337.ErrPaymasterUnavailable, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("%w: code %d: %s", erc4337.ErrPaymasterRejected, envelope.Error.Code, envelope.Error.Message)
	}

	pnd, err := decodePaymasterAndData(envelope.Result)
	if err != nil {
		return nil, err
	}

	c.logger.Info("user operation sponsored",
		"sender", op.Sender.Hex(),
		"paymaster", common.BytesToAddress(pnd[:common.AddressLength]).Hex())

	return &Quote{
		PaymasterAndData:   pnd,
		PreVerificationGas: draft.PreVerificationGas,
		digest:             coveredDigest(op),
	}, nil
}

// decodePaymasterAndData accepts either a bare hex string or an object with
// a paymasterAndData member.
func decodePaymasterAndData(raw json.RawMessage) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, fmt.Errorf("%w: response has no result", erc4337.ErrPaymasterRejected)
	}

	var result interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed result: %v", erc4337.ErrPaymasterRejected, err)
	}

	var encoded string
	switch v := result.(type) {
	case string:
		encoded = v
	case map[string]interface{}:
		var out sponsorResult
		if err := mapstructure.Decode(v, &out); err != nil {
			return nil, fmt.Errorf("%w: malformed result: %v", erc4337.ErrPaymasterRejected, err)
		}
		encoded = out.PaymasterAndData
	default:
		return nil, fmt.Errorf("%w: unexpected result type %T", erc4337.ErrPaymasterRejected, result)
	}

	pnd, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: paymasterAndData %q: %v", erc4337.ErrPaymasterRejected, preview(encoded, 20), err)
	}
	if len(pnd) < common.AddressLength {
		return nil, fmt.Errorf("%w: paymasterAndData is %d bytes", erc4337.ErrPaymasterRejected, len(pnd))
	}
	return pnd, nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
