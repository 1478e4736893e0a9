package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
)

var (
	sendTo    string
	sendValue string
	sendData  string
	noWait    bool

	batchCalls []string

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send one call through the smart account",
		Example: `  smartwallet send --to 0x70997970C51812dc3A010C7d01b50e0d17dc79C8 --value 0.001
  smartwallet send --to 0xc54414e0E2DBE7E9565B75EFdC495c7eD12D3823 --data 0x18160ddd --no-wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := parseCallFlags(sendTo, sendValue, sendData)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			w, err := openWallet(ctx, config)
			if err != nil {
				return err
			}
			defer w.Close()

			pending, err := w.provider.SendOperation(ctx, call)
			if err != nil {
				return err
			}
			return report(ctx, cmd.OutOrStdout(), pending, noWait, dumpOps)
		},
	}

	batchCmd = &cobra.Command{
		Use:   "batch",
		Short: "Send several calls as one user operation",
		Example: `  smartwallet batch \
    --call 0x70997970C51812dc3A010C7d01b50e0d17dc79C8::0.001 \
    --call 0xc54414e0E2DBE7E9565B75EFdC495c7eD12D3823:0x18160ddd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(batchCalls) == 0 {
				return fmt.Errorf("batch needs at least one --call")
			}
			calls := make([]aa.Call, 0, len(batchCalls))
			for _, raw := range batchCalls {
				call, err := parseCall(raw)
				if err != nil {
					return err
				}
				calls = append(calls, call)
			}

			ctx := commandContext(cmd)
			w, err := openWallet(ctx, config)
			if err != nil {
				return err
			}
			defer w.Close()

			pending, err := w.provider.SendBatch(ctx, calls)
			if err != nil {
				return err
			}
			return report(ctx, cmd.OutOrStdout(), pending, noWait, dumpOps)
		},
	}
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseCall reads "to:data[:value]", value in ether. data may be empty.
func parseCall(raw string) (aa.Call, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return aa.Call{}, fmt.Errorf("invalid call %q, want to:data[:value]", raw)
	}
	value := ""
	if len(parts) == 3 {
		value = parts[2]
	}
	return parseCallFlags(parts[0], value, parts[1])
}

func parseCallFlags(to, value, data string) (aa.Call, error) {
	if !common.IsHexAddress(to) {
		return aa.Call{}, fmt.Errorf("invalid target address %q", to)
	}
	wei, err := parseEther(value)
	if err != nil {
		return aa.Call{}, err
	}
	var input []byte
	if data != "" && data != "0x" {
		if input, err = hexutil.Decode(data); err != nil {
			return aa.Call{}, fmt.Errorf("invalid call data %q: %w", data, err)
		}
	}
	call := aa.Call{Target: common.HexToAddress(to), Value: wei, Data: input}
	return call, call.Validate()
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "target contract or account")
	sendCmd.Flags().StringVar(&sendValue, "value", "", "ether to send along, e.g. 0.01")
	sendCmd.Flags().StringVar(&sendData, "data", "", "hex call data")
	sendCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the bundler accepted the operation")
	_ = sendCmd.MarkFlagRequired("to")

	batchCmd.Flags().StringArrayVar(&batchCalls, "call", nil, "call as to:data[:value], repeatable")
	batchCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the bundler accepted the operation")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(batchCmd)
}
