package claim

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const allowlistProofComponents = `[
	{"name":"proof","type":"bytes32[]"},
	{"name":"quantityLimitPerWallet","type":"uint256"},
	{"name":"pricePerToken","type":"uint256"},
	{"name":"currency","type":"address"}
]`

const claimConditionComponents = `[
	{"name":"startTimestamp","type":"uint256"},
	{"name":"maxClaimableSupply","type":"uint256"},
	{"name":"supplyClaimed","type":"uint256"},
	{"name":"quantityLimitPerWallet","type":"uint256"},
	{"name":"merkleRoot","type":"bytes32"},
	{"name":"pricePerToken","type":"uint256"},
	{"name":"currency","type":"address"},
	{"name":"metadata","type":"string"}
]`

// DropERC20 and DropERC721 share the claim signature.
var dropABIJSON = `[
	{"inputs":[{"name":"_receiver","type":"address"},{"name":"_quantity","type":"uint256"},{"name":"_currency","type":"address"},{"name":"_pricePerToken","type":"uint256"},{"name":"_allowlistProof","type":"tuple","components":` + allowlistProofComponents + `},{"name":"_data","type":"bytes"}],"name":"claim","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"getActiveClaimConditionId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_conditionId","type":"uint256"}],"name":"getClaimConditionById","outputs":[{"name":"condition","type":"tuple","components":` + claimConditionComponents + `}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var editionABIJSON = `[
	{"inputs":[{"name":"_receiver","type":"address"},{"name":"_tokenId","type":"uint256"},{"name":"_quantity","type":"uint256"},{"name":"_currency","type":"address"},{"name":"_pricePerToken","type":"uint256"},{"name":"_allowlistProof","type":"tuple","components":` + allowlistProofComponents + `},{"name":"_data","type":"bytes"}],"name":"claim","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"_tokenId","type":"uint256"}],"name":"getActiveClaimConditionId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_tokenId","type":"uint256"},{"name":"_conditionId","type":"uint256"}],"name":"getClaimConditionById","outputs":[{"name":"condition","type":"tuple","components":` + claimConditionComponents + `}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"safeTransferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"},{"name":"value","type":"uint256"}],"name":"burn","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// the cat attack game is an edition with its own moves
var catAttackABIJSON = `[
	{"inputs":[],"name":"claimKitten","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"victim","type":"address"}],"name":"attack","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	DropABI      = mustParseABI("drop", dropABIJSON)
	EditionABI   = mustParseABI("edition drop", editionABIJSON)
	CatAttackABI = mustParseABI("cat attack", catAttackABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("Invalid %s ABI: %w", name, err))
	}
	return parsed
}
