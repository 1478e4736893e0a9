package cmd

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/core/claim"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/preset"
)

var (
	claimOpponent string

	claimCmd = &cobra.Command{
		Use:   "claim [flow]",
		Short: "Claim from the demo drops deployed on the configured chain",
		Long: fmt.Sprintf(`Claim from the demo drop contracts of the configured chain.

Flows: %s. The default flow is erc20.
cat-attack picks its move from the account's cat balances and plays it
against --opponent, which defaults to the local signer.`, strings.Join(lo.Map(claim.Flows, func(f claim.Flow, _ int) string {
			return string(f)
		}), ", ")),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow := claim.FlowERC20
			if len(args) == 1 {
				flow = claim.Flow(args[0])
			}
			if !lo.Contains(claim.Flows, flow) {
				return fmt.Errorf("unknown claim flow %q", flow)
			}
			if claimOpponent != "" && !common.IsHexAddress(claimOpponent) {
				return fmt.Errorf("invalid opponent address %q", claimOpponent)
			}

			ctx := commandContext(cmd)
			w, err := openWallet(ctx, config)
			if err != nil {
				return err
			}
			defer w.Close()

			self, err := w.provider.Address(ctx)
			if err != nil {
				return err
			}
			opponent := w.owner.Address()
			if claimOpponent != "" {
				opponent = common.HexToAddress(claimOpponent)
			}

			plan, err := w.drops.Plan(ctx, flow, w.cfg.Chain.Claims, self, opponent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "🎁 %s on %s, %d call(s)\n", plan.Flow, w.cfg.Chain.Name, len(plan.Calls))
			if plan.Move != "" {
				fmt.Fprintf(out, "   move: %s against %s\n", plan.Move, opponent.Hex())
			}

			var pending *preset.PendingOperation
			if len(plan.Calls) == 1 {
				pending, err = w.provider.SendOperation(ctx, plan.Calls[0])
			} else {
				pending, err = w.provider.SendBatch(ctx, plan.Calls)
			}
			if err != nil {
				return err
			}
			return report(ctx, out, pending, noWait, dumpOps)
		},
	}
)

func init() {
	claimCmd.Flags().StringVar(&claimOpponent, "opponent", "", "opponent account for cat-attack")
	claimCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the bundler accepted the operation")
	rootCmd.AddCommand(claimCmd)
}
