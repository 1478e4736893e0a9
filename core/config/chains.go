package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
)

var ErrUnknownChain = errors.New("chain is not in the chain table")

// ClaimContracts are the demo drops deployed on a chain. A zero address means
// the flow is not available there.
type ClaimContracts struct {
	// DropERC20
	Token common.Address
	// DropERC1155
	Edition common.Address
	// DropERC721
	Collection common.Address
	CatAttack  common.Address
}

// ChainProfile is everything the wallet needs to know about a network before
// it talks to it.
type ChainProfile struct {
	ChainID int64
	Name    string
	// Network is the slug used in bundler and paymaster URLs.
	Network string

	Variant        aa.Variant
	Factory        common.Address
	SimpleFactory  common.Address
	Implementation common.Address

	Claims ClaimContracts
}

var Chains = map[int64]ChainProfile{
	5: {
		ChainID:       5,
		Name:          "Goerli",
		Network:       "goerli",
		Variant:       aa.VariantDynamic,
		Factory:       common.HexToAddress("0x1EbfDd6aFbACaF5BFC877bA7111cB5f5DDabb53c"),
		SimpleFactory: common.HexToAddress("0x72a3c3c93890DE1038cf701709294E8f4D5E5A7e"),
		Claims: ClaimContracts{
			Token:   common.HexToAddress("0xc54414e0E2DBE7E9565B75EFdC495c7eD12D3823"),
			Edition: common.HexToAddress("0x884d4bf2Ca59C1b195b24d27D1050dEC165CccF6"),
		},
	},
	84531: {
		ChainID: 84531,
		Name:    "Base Goerli",
		Network: "base-goerli",
		Variant: aa.VariantDynamic,
		Factory: common.HexToAddress("0x88d9A32D459BBc7B77fc912d9048926dEd78986B"),
		Claims: ClaimContracts{
			CatAttack: common.HexToAddress("0xDDB6DcCE6B794415145Eb5cAa6CD335AEdA9C272"),
		},
	},
	420: {
		ChainID: 420,
		Name:    "Optimism Goerli",
		Network: "optimism-goerli",
		Variant: aa.VariantDynamic,
		Claims: ClaimContracts{
			Collection: common.HexToAddress("0xEA763fE334a53444671BaD44FE0E033ccae4187A"),
		},
	},
}

func Chain(id int64) (ChainProfile, error) {
	profile, ok := Chains[id]
	if !ok {
		return ChainProfile{}, fmt.Errorf("%w: %d", ErrUnknownChain, id)
	}
	return profile, nil
}

// ChainIDs lists the table in ascending order.
func ChainIDs() []int64 {
	ids := make([]int64, 0, len(Chains))
	for id := range Chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PimlicoURL serves both the bundler and the paymaster methods.
func PimlicoURL(network, apiKey string) string {
	return fmt.Sprintf("https://api.pimlico.io/v1/%s/rpc?apikey=%s", network, url.QueryEscape(apiKey))
}
