package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// Minimum tip of 2 gwei for bundler profitability
	MinPriorityFee = big.NewInt(2_000_000_000)
	// Minimum maxFeePerGas of 20 gwei for high-basefee chains like Base
	MinMaxFee = big.NewInt(20_000_000_000)
)

// FeeSource is the part of ethclient.Client used to price an operation.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SuggestFee returns maxFeePerGas and maxPriorityFeePerGas for the next block.
func SuggestFee(ctx context.Context, client FeeSource) (*big.Int, *big.Int, error) {
	// Get suggested gas tip cap (maxPriorityFeePerGas)
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Estimate base fee for the next block
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	return Compute(tipCap, header.BaseFee)
}

// Compute applies the fee policy to a tip suggestion and base fee. A nil
// base fee means a legacy chain.
func Compute(tipCap, baseFee *big.Int) (*big.Int, *big.Int, error) {
	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(MinPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(MinPriorityFee)
	}

	var maxFeePerGas *big.Int

	if baseFee != nil {
		// maxFeePerGas must be >= baseFee + maxPriorityFeePerGas; 2x baseFee
		// keeps the operation valid if the base fee doubles before inclusion.
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)

		if maxFeePerGas.Cmp(MinMaxFee) < 0 {
			maxFeePerGas = new(big.Int).Set(MinMaxFee)
		}
	} else {
		// Legacy (pre-EIP-1559) chain - use maxPriorityFeePerGas as maxFeePerGas
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}
