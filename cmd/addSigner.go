package cmd

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
)

var (
	secondKeyFile string

	addSignerCmd = &cobra.Command{
		Use:   "add-signer [address]",
		Short: "Grant a second key signing rights on the smart account",
		Long: `Grant signing rights on a dynamic account to another key.

Without an address the key in --key-file2 is used, generated on first use.
Simple accounts have a single owner and reject this command.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var grantee common.Address
			if len(args) == 1 {
				if !common.IsHexAddress(args[0]) {
					return fmt.Errorf("invalid signer address %q", args[0])
				}
				grantee = common.HexToAddress(args[0])
			} else {
				second, created, err := signer.LoadOrCreateKeyFile(secondKeyFile)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "created %s\n", secondKeyFile)
				}
				grantee = second.Address()
			}

			ctx := commandContext(cmd)
			w, err := openWallet(ctx, config)
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Fprintf(out, "🔑 granting %s on %s\n", grantee.Hex(), w.account.Variant())
			pending, err := w.provider.AddSigner(ctx, grantee)
			if errors.Is(err, aa.ErrSignerExists) {
				fmt.Fprintf(out, "✅ %s is already a signer\n", grantee.Hex())
				return nil
			}
			if err != nil {
				return err
			}
			return report(ctx, out, pending, noWait, dumpOps)
		},
	}
)

func init() {
	addSignerCmd.Flags().StringVar(&secondKeyFile, "key-file2", "wallet-2.json", "key file of the signer to add")
	addSignerCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the bundler accepted the operation")
	rootCmd.AddCommand(addSignerCmd)
}
