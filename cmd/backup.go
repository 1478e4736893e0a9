package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/smartwallet/core/backup"
	swconfig "github.com/AvaProtocol/smartwallet/core/config"
	"github.com/AvaProtocol/smartwallet/storage"
)

var (
	backupDir   string
	restoreFrom string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot or restore the operation journal",
		Example: `  smartwallet backup --dir ./backups
  smartwallet backup --restore ./backups/24-03-09-14-05/journal.bak`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := swconfig.NewConfig(config)
			if err != nil {
				return err
			}
			db, err := storage.NewWithPath(cfg.DbPath)
			if err != nil {
				return fmt.Errorf("cannot open journal at %s: %w", cfg.DbPath, err)
			}
			defer db.Close()

			service := backup.NewService(cfg.Logger, db, backupDir)
			ctx := commandContext(cmd)
			out := cmd.OutOrStdout()
			if restoreFrom != "" {
				if err := service.Restore(ctx, restoreFrom); err != nil {
					return err
				}
				fmt.Fprintf(out, "✅ journal restored from %s\n", restoreFrom)
				return nil
			}

			file, err := service.PerformBackup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✅ journal backed up to %s\n", file)
			return nil
		},
	}
)

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backups", "directory to write snapshots into")
	backupCmd.Flags().StringVar(&restoreFrom, "restore", "", "snapshot file to load instead of taking one")
	rootCmd.AddCommand(backupCmd)
}
