package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
	swconfig "github.com/AvaProtocol/smartwallet/core/config"
)

var (
	keyFile string

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Create the local signer",
		Long: `Load the owner key from the key file, generating it on first use.
The key is stored unencrypted; keep the file private.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := keyFile
			if path == "" {
				path = swconfig.DefaultKeyFile
				if cfg, err := swconfig.NewConfig(config); err == nil {
					path = cfg.KeyFile
				}
			}
			owner, created, err := signer.LoadOrCreateKeyFile(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "created %s\n", path)
			}
			fmt.Fprintf(out, "Local signer addr: %s\n", owner.Address().Hex())
			return nil
		},
	}

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Show the smart account of the local signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			w, err := openWallet(ctx, config)
			if err != nil {
				return err
			}
			defer w.Close()

			addr, bal, err := w.balance(ctx)
			if err != nil {
				return err
			}
			deployed, err := w.provider.IsDeployed(ctx)
			if err != nil {
				return err
			}
			records, err := w.journal.ListBySender(addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Chain:              %s (%d)\n", w.cfg.Chain.Name, w.cfg.Chain.ChainID)
			fmt.Fprintf(out, "Local signer addr:  %s\n", w.owner.Address().Hex())
			fmt.Fprintf(out, "Smart Account addr: %s\n", addr.Hex())
			fmt.Fprintf(out, "Account:            %s, factory %s\n", w.account.Variant(), w.account.Factory().Hex())
			fmt.Fprintf(out, "Deployed:           %v\n", deployed)
			fmt.Fprintf(out, "Balance:            %s ETH\n", formatEther(bal))
			fmt.Fprintf(out, "Gasless:            %v\n", w.cfg.Gasless)
			fmt.Fprintf(out, "Journaled ops:      %d\n", len(records))
			return nil
		},
	}
)

func init() {
	keygenCmd.Flags().StringVar(&keyFile, "key-file", "", "key file to load or create (defaults to the config's key_file)")
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(addressCmd)
}
