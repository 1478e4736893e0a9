package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	swconfig "github.com/AvaProtocol/smartwallet/core/config"
	"github.com/AvaProtocol/smartwallet/core/journal"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/preset"
	"github.com/AvaProtocol/smartwallet/storage"
)

var (
	pollBundler bool

	statusCmd = &cobra.Command{
		Use:   "status [hash]",
		Short: "Show journaled user operations",
		Long: `Show one operation from the local journal, or a summary of all of them.

With --poll, operations still pending are looked up on the bundler, or in
EntryPoint logs per receipt_source, and the journal is updated with what is
found. Pending operations the bundler no longer knows are flagged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := swconfig.NewConfig(config)
			if err != nil {
				return err
			}
			db, err := storage.NewWithPath(cfg.DbPath)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "❌ cannot open journal at %s: %v\n", cfg.DbPath, err)
				return err
			}
			defer db.Close()
			j := journal.New(db)

			ctx := commandContext(cmd)
			var p *poller
			if pollBundler {
				bc, err := bundler.NewBundlerClient(cfg.BundlerUrl, cfg.EntryPoint, bundler.WithLogger(cfg.Logger))
				if err != nil {
					return err
				}
				defer bc.Close()
				eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
				if err != nil {
					return fmt.Errorf("cannot dial %s: %w", cfg.EthRpcUrl, err)
				}
				defer eth.Close()
				p = &poller{
					receipts: pickReceiptSource(cfg.ReceiptSource, bc, bundler.NewLogReceiptSource(eth, cfg.EntryPoint)),
					lookup:   bc,
				}
			}

			if len(args) == 1 {
				return showOperation(ctx, cmd.OutOrStdout(), j, p, common.HexToHash(args[0]))
			}
			return showSummary(ctx, cmd.OutOrStdout(), j, p)
		},
	}
)

// errUnknownToBundler is recorded for a submitted operation the bundler no
// longer has in its mempool and that was never included.
const errUnknownToBundler = "bundler does not know this operation, it was likely dropped"

type operationLookup interface {
	GetUserOperationByHash(ctx context.Context, hash common.Hash) (*bundler.UserOperationByHash, error)
}

// poller finds out what happened to submitted operations. lookup is optional.
type poller struct {
	receipts bundler.ReceiptSource
	lookup   operationLookup
}

var journalStates = []preset.OpState{preset.StateSubmitted, preset.StateConfirmed, preset.StateFailed, preset.StateSigned}

func showOperation(ctx context.Context, out io.Writer, j *journal.Journal, p *poller, hash common.Hash) error {
	rec, err := j.Get(hash)
	if errors.Is(err, journal.ErrNotFound) {
		fmt.Fprintf(out, "❌ %s is not in the journal\n", hash.Hex())
		return err
	}
	if err != nil {
		return err
	}
	if p != nil {
		if rec, err = pollRecord(ctx, j, p, rec); err != nil {
			return err
		}
	}
	printRecord(out, rec)
	return nil
}

func showSummary(ctx context.Context, out io.Writer, j *journal.Journal, p *poller) error {
	fmt.Fprintln(out, "📊 Journal")
	for _, state := range journalStates {
		recs, err := j.ListByState(string(state))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "   %-10s %d\n", state, len(recs))
	}

	pending, err := j.ListByState(string(preset.StateSubmitted))
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\n⏳ Pending operations:")
	for _, rec := range pending {
		if p != nil {
			if rec, err = pollRecord(ctx, j, p, rec); err != nil {
				return err
			}
		}
		printRecord(out, rec)
	}
	return nil
}

// pollRecord asks for the receipt of a submitted record and stores the
// outcome. Without a receipt, an operation the bundler does not know is
// flagged. Records in any other state are returned unchanged.
func pollRecord(ctx context.Context, j *journal.Journal, p *poller, rec *journal.Record) (*journal.Record, error) {
	if rec.State != string(preset.StateSubmitted) {
		return rec, nil
	}
	hash := common.HexToHash(rec.Hash)
	receipt, err := p.receipts.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", rec.Hash, err)
	}
	if receipt == nil {
		return flagUnknown(ctx, j, p.lookup, rec)
	}

	rec.TxHash = receipt.Receipt.TransactionHash.Hex()
	rec.State = string(preset.StateConfirmed)
	if !receipt.Success {
		rec.State = string(preset.StateFailed)
		rec.Error = "execution reverted"
		if receipt.Reason != "" {
			rec.Error = receipt.Reason
		}
	}
	if err := j.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func flagUnknown(ctx context.Context, j *journal.Journal, lookup operationLookup, rec *journal.Record) (*journal.Record, error) {
	if lookup == nil {
		return rec, nil
	}
	found, err := lookup.GetUserOperationByHash(ctx, common.HexToHash(rec.Hash))
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", rec.Hash, err)
	}
	msg := ""
	if found == nil {
		msg = errUnknownToBundler
	}
	if rec.Error == msg {
		return rec, nil
	}
	rec.Error = msg
	if err := j.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func printRecord(out io.Writer, rec *journal.Record) {
	icon := map[string]string{
		string(preset.StateConfirmed): "✅",
		string(preset.StateFailed):    "❌",
		string(preset.StateSubmitted): "⏳",
	}[rec.State]
	if icon == "" {
		icon = "•"
	}

	fmt.Fprintf(out, "%s %s  %s\n", icon, rec.Hash, rec.State)
	fmt.Fprintf(out, "   sender:  %s nonce %s\n", rec.Sender, rec.Nonce)
	for _, target := range rec.Targets {
		fmt.Fprintf(out, "   target:  %s\n", target)
	}
	if rec.Sponsored {
		fmt.Fprintln(out, "   sponsored by paymaster")
	}
	if rec.TxHash != "" {
		fmt.Fprintf(out, "   tx:      %s\n", rec.TxHash)
	}
	if rec.Error != "" {
		fmt.Fprintf(out, "   error:   %s\n", rec.Error)
	}
	fmt.Fprintf(out, "   updated: %s\n", time.UnixMilli(rec.UpdatedAt).UTC().Format(time.RFC3339))
}

func init() {
	statusCmd.Flags().BoolVar(&pollBundler, "poll", false, "re-poll the bundler for pending operations")
	rootCmd.AddCommand(statusCmd)
}
