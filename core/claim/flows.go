package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/core/config"
)

type Flow string

const (
	FlowERC20     Flow = "erc20"
	FlowERC1155   Flow = "erc1155"
	FlowERC721    Flow = "erc721"
	FlowCatAttack Flow = "cat-attack"
	// FlowBatch claims the erc20 and erc1155 drops in one operation.
	FlowBatch Flow = "batch"
)

var Flows = []Flow{FlowERC20, FlowERC1155, FlowERC721, FlowCatAttack, FlowBatch}

var ErrNotDeployed = errors.New("flow has no contract on this chain")

// Plan is the calls one flow sends as a single operation.
type Plan struct {
	Flow  Flow
	Move  Move
	Calls []aa.Call
}

// Plan reads what the flow needs from chain and returns its calls. self is
// the smart account; opponent receives transfers and attacks in the cat
// attack flow.
func (d *Drops) Plan(ctx context.Context, flow Flow, contracts config.ClaimContracts, self, opponent common.Address) (*Plan, error) {
	need := func(addr common.Address, what string) error {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: %s needs a %s contract", ErrNotDeployed, flow, what)
		}
		return nil
	}

	p := &Plan{Flow: flow}
	switch flow {
	case FlowERC20:
		if err := need(contracts.Token, "DropERC20"); err != nil {
			return nil, err
		}
		call, err := d.ERC20(ctx, contracts.Token, self, decimal.NewFromInt(1))
		if err != nil {
			return nil, err
		}
		p.Calls = []aa.Call{call}

	case FlowERC1155:
		if err := need(contracts.Edition, "DropERC1155"); err != nil {
			return nil, err
		}
		call, err := d.ERC1155(ctx, contracts.Edition, self, big.NewInt(0), 1)
		if err != nil {
			return nil, err
		}
		p.Calls = []aa.Call{call}

	case FlowERC721:
		if err := need(contracts.Collection, "DropERC721"); err != nil {
			return nil, err
		}
		call, err := d.ERC721(ctx, contracts.Collection, self, 1)
		if err != nil {
			return nil, err
		}
		p.Calls = []aa.Call{call}

	case FlowCatAttack:
		if err := need(contracts.CatAttack, "cat attack"); err != nil {
			return nil, err
		}
		move, call, err := d.CatAttack(ctx, contracts.CatAttack, self, opponent)
		if err != nil {
			return nil, err
		}
		p.Move = move
		p.Calls = []aa.Call{call}

	case FlowBatch:
		token, err := d.Plan(ctx, FlowERC20, contracts, self, opponent)
		if err != nil {
			return nil, err
		}
		edition, err := d.Plan(ctx, FlowERC1155, contracts, self, opponent)
		if err != nil {
			return nil, err
		}
		p.Calls = append(token.Calls, edition.Calls...)

	default:
		return nil, fmt.Errorf("unknown claim flow %q", flow)
	}
	return p, nil
}
