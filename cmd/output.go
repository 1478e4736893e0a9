package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/k0kubun/pp/v3"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/preset"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/userop"
)

const etherDecimals = 18

func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// parseEther turns "0.05" into wei.
func parseEther(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	wei := d.Shift(etherDecimals)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, etherDecimals)
	}
	return wei.BigInt(), nil
}

func dump(out io.Writer, v interface{}) {
	printer := pp.New()
	printer.SetOutput(out)
	printer.SetColoringEnabled(false)
	printer.Println(v)
}

// report prints the submitted operation and, unless noWait, waits for it.
func report(ctx context.Context, out io.Writer, pending *preset.PendingOperation, noWait, dumpOp bool) error {
	op := pending.Operation()
	fmt.Fprintf(out, "op sent %s\n", pending.Hash().Hex())
	describeOperation(out, op.UserOperation())
	if dumpOp {
		dump(out, op.UserOperation())
	}
	if noWait {
		fmt.Fprintln(out, "   not waiting, check later with: smartwallet status", pending.Hash().Hex())
		return nil
	}

	receipt, err := pending.Wait(ctx)
	if receipt != nil {
		printReceipt(out, receipt)
	}
	switch {
	case errors.Is(err, erc4337.ErrConfirmationTimeout):
		fmt.Fprintln(out, "⚠️  still pending, check later with: smartwallet status", pending.Hash().Hex())
		return err
	case errors.Is(err, erc4337.ErrExecutionFailed):
		fmt.Fprintln(out, "❌ operation reverted")
		return err
	case err != nil:
		return err
	}
	fmt.Fprintln(out, "✅ confirmed")
	return nil
}

func describeOperation(out io.Writer, uo *userop.UserOperation) {
	fmt.Fprintf(out, "   nonce:    %s\n", uo.Nonce)
	if uo.HasInitCode() {
		fmt.Fprintf(out, "   deploys account through factory %s\n", uo.GetFactory().Hex())
	}
	if pm := uo.GetPaymaster(); pm != (common.Address{}) {
		fmt.Fprintf(out, "   sponsored by paymaster %s\n", pm.Hex())
	}
}

func printReceipt(out io.Writer, r *bundler.UserOpReceipt) {
	fmt.Fprintf(out, "   tx:       %s\n", r.Receipt.TransactionHash.Hex())
	if r.Receipt.BlockNumber != nil {
		fmt.Fprintf(out, "   block:    %s\n", r.Receipt.BlockNumber.ToInt())
	}
	if r.ActualGasUsed != nil {
		fmt.Fprintf(out, "   gas used: %s\n", r.ActualGasUsed.ToInt())
	}
	if r.ActualGasCost != nil {
		fmt.Fprintf(out, "   gas cost: %s ETH\n", formatEther(r.ActualGasCost.ToInt()))
	}
}
