package claim

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
)

type Move string

const (
	MoveTransfer    Move = "transfer"
	MoveBurn        Move = "burn"
	MoveAttack      Move = "attack"
	MoveClaimKitten Move = "claim-kitten"
)

// token ids of the cat attack edition
var (
	Kitten     = big.NewInt(0)
	GrumpyCat  = big.NewInt(1)
	NinjaCat   = big.NewInt(2)
	oneCatItem = big.NewInt(1)
)

// CatAttack picks the next move of self from its balances: hand a kitten to
// opponent, burn a grumpy cat, attack with a ninja cat, or claim a kitten
// when it holds nothing.
func (d *Drops) CatAttack(ctx context.Context, game, self, opponent common.Address) (Move, aa.Call, error) {
	kittens, err := d.EditionBalance(ctx, game, self, Kitten)
	if err != nil {
		return "", aa.Call{}, err
	}
	if kittens.Sign() > 0 {
		data, err := EditionABI.Pack("safeTransferFrom", self, opponent, Kitten, oneCatItem, []byte{})
		return MoveTransfer, aa.Call{Target: game, Data: data}, err
	}

	grumpy, err := d.EditionBalance(ctx, game, self, GrumpyCat)
	if err != nil {
		return "", aa.Call{}, err
	}
	if grumpy.Sign() > 0 {
		data, err := EditionABI.Pack("burn", self, GrumpyCat, oneCatItem)
		return MoveBurn, aa.Call{Target: game, Data: data}, err
	}

	ninja, err := d.EditionBalance(ctx, game, self, NinjaCat)
	if err != nil {
		return "", aa.Call{}, err
	}
	if ninja.Sign() > 0 {
		data, err := CatAttackABI.Pack("attack", opponent)
		return MoveAttack, aa.Call{Target: game, Data: data}, err
	}

	data, err := CatAttackABI.Pack("claimKitten")
	return MoveClaimKitten, aa.Call{Target: game, Data: data}, err
}
