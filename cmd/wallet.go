package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/AvaProtocol/smartwallet/core/chainio/aa"
	"github.com/AvaProtocol/smartwallet/core/chainio/signer"
	"github.com/AvaProtocol/smartwallet/core/claim"
	swconfig "github.com/AvaProtocol/smartwallet/core/config"
	"github.com/AvaProtocol/smartwallet/core/journal"
	"github.com/AvaProtocol/smartwallet/metrics"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/bundler"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/smartwallet/pkg/erc4337/preset"
	"github.com/AvaProtocol/smartwallet/storage"
)

// wallet is one configured smart account with everything needed to send
// operations for it.
type wallet struct {
	cfg    *swconfig.SmartWalletConfig
	logger sdklogging.Logger

	eth      *ethclient.Client
	owner    *signer.PrivateKeyProvider
	account  aa.Account
	db       storage.Storage
	journal  *journal.Journal
	bundler  *bundler.BundlerClient
	provider *preset.Provider
	drops    *claim.Drops

	metricsServer *http.Server
}

func openWallet(ctx context.Context, configPath string) (*wallet, error) {
	cfg, err := swconfig.NewConfig(configPath)
	if err != nil {
		return nil, err
	}
	w := &wallet{cfg: cfg, logger: cfg.Logger}
	if err := w.open(ctx); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *wallet) open(ctx context.Context) error {
	cfg := w.cfg

	var err error
	if w.eth, err = ethclient.DialContext(ctx, cfg.EthRpcUrl); err != nil {
		return fmt.Errorf("cannot dial %s: %w", cfg.EthRpcUrl, err)
	}
	chainID, err := w.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("cannot read chain id: %w", err)
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		return fmt.Errorf("rpc serves chain %s, config expects %d (%s)", chainID, cfg.Chain.ChainID, cfg.Chain.Name)
	}

	owner, created, err := signer.LoadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		return err
	}
	if created {
		w.logger.Info("created local signer", "address", owner.Address().Hex(), "file", cfg.KeyFile)
	}
	w.owner = owner

	implementation := cfg.Implementation
	if cfg.Variant == aa.VariantDynamic && implementation == (common.Address{}) {
		if implementation, err = aa.FactoryImplementation(ctx, w.eth, cfg.Factory); err != nil {
			return fmt.Errorf("cannot read account implementation of factory %s: %w", cfg.Factory.Hex(), err)
		}
	}
	w.account, err = aa.New(cfg.Variant, aa.AccountConfig{
		Owner:          owner,
		Factory:        cfg.Factory,
		EntryPoint:     cfg.EntryPoint,
		Salt:           cfg.Salt,
		Implementation: implementation,
	}, w.eth, cfg.ProxyCreationCode)
	if err != nil {
		return err
	}

	if w.db, err = storage.NewWithPath(cfg.DbPath); err != nil {
		return fmt.Errorf("cannot open journal at %s: %w", cfg.DbPath, err)
	}
	w.journal = journal.New(w.db)

	w.bundler, err = bundler.NewBundlerClient(cfg.BundlerUrl, cfg.EntryPoint,
		bundler.WithLogger(w.logger),
		bundler.WithLedger(w.journal),
		bundler.WithChainID(chainID))
	if err != nil {
		return err
	}
	if err := checkEntryPoint(ctx, w.bundler, cfg.EntryPoint, w.logger); err != nil {
		return err
	}

	waiterOpts := []bundler.WaiterOption{bundler.WithWaiterLogger(w.logger)}
	if cfg.WaitTimeout > 0 {
		waiterOpts = append(waiterOpts, bundler.WithTimeout(cfg.WaitTimeout))
	}

	registry := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		w.serveMetrics(registry)
	}

	cache, err := bigcache.New(ctx, bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return err
	}

	opts := []preset.ProviderOption{
		preset.WithLogger(w.logger),
		preset.WithJournal(w.journal),
		preset.WithMetrics(metrics.NewOperationMetrics(registry)),
		preset.WithWaiter(bundler.NewWaiter(w.receiptSource(), waiterOpts...)),
		preset.WithCache(cache),
	}
	if cfg.Gasless {
		pmOpts := []paymaster.Option{paymaster.WithLogger(w.logger)}
		if cfg.PaymasterTimeout > 0 {
			pmOpts = append(pmOpts, paymaster.WithTimeout(cfg.PaymasterTimeout))
		}
		opts = append(opts, preset.WithPaymaster(paymaster.NewClient(cfg.PaymasterUrl, cfg.EntryPoint, pmOpts...)))
	}

	w.provider = preset.NewProvider(w.eth, w.account, w.bundler, opts...)
	w.drops = claim.NewDrops(w.eth)
	return nil
}

// receiptSource is what the waiter polls for the configured receipt_source.
func (w *wallet) receiptSource() bundler.ReceiptSource {
	return pickReceiptSource(w.cfg.ReceiptSource, w.bundler, bundler.NewLogReceiptSource(w.eth, w.cfg.EntryPoint))
}

func pickReceiptSource(kind swconfig.ReceiptSource, fromBundler, fromLogs bundler.ReceiptSource) bundler.ReceiptSource {
	if kind == swconfig.ReceiptFromLogs {
		return fromLogs
	}
	return bundler.ReceiptSources{fromBundler, fromLogs}
}

type entryPointLister interface {
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
}

// checkEntryPoint fails when the bundler does not serve entryPoint. A bundler
// that cannot list its entry points is let through.
func checkEntryPoint(ctx context.Context, b entryPointLister, entryPoint common.Address, lgr sdklogging.Logger) error {
	supported, err := b.SupportedEntryPoints(ctx)
	if err != nil {
		lgr.Warn("cannot list bundler entry points", "error", err)
		return nil
	}
	if !lo.Contains(supported, entryPoint) {
		return fmt.Errorf("bundler does not support entry point %s, it serves %v",
			entryPoint.Hex(), lo.Map(supported, func(a common.Address, _ int) string { return a.Hex() }))
	}
	return nil
}

func (w *wallet) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	w.metricsServer = &http.Server{Addr: w.cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := w.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("metrics server stopped", "addr", w.cfg.MetricsAddr, "error", err)
		}
	}()
}

func (w *wallet) Close() {
	if w.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.metricsServer.Shutdown(ctx)
	}
	if w.bundler != nil {
		w.bundler.Close()
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.logger.Warn("cannot close journal", "error", err)
		}
	}
	if w.eth != nil {
		w.eth.Close()
	}
}

// balance of the smart account in wei.
func (w *wallet) balance(ctx context.Context) (common.Address, *big.Int, error) {
	addr, err := w.provider.Address(ctx)
	if err != nil {
		return common.Address{}, nil, err
	}
	bal, err := w.eth.BalanceAt(ctx, addr, nil)
	return addr, bal, err
}
