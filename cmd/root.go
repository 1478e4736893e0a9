package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/pkg/erc4337"
)

// rootCmd represents the base command when called without any subcommands
var (
	config  = "config/smartwallet.yaml"
	dumpOps bool
	rootCmd = &cobra.Command{
		Use:   "smartwallet",
		Short: "ERC-4337 smart account CLI",
		Long: `Send user operations from a smart account owned by a local key.

The account address is derived from the owner and the factory configured for
the chain, so it can be funded before it exists. The first operation deploys it.

Such as "smartwallet address", "smartwallet claim erc20" or
"smartwallet send --to 0x... --value 0.01"
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when running the same command later can succeed, 1 otherwise.
func exitCode(err error) int {
	if erc4337.IsRetryable(err) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&dumpOps, "dump", false, "pretty print every user operation sent")
}
