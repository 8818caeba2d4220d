package lswapd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/liquidswap/lswap"
	"github.com/liquidswap/lswap/inventory"
	"github.com/liquidswap/lswap/swapdb"
	"golang.org/x/sync/errgroup"
)

// Start parses the command line and configuration file, initializes logging
// and runs the daemon until shutdown.
func Start() error {
	cfg := DefaultConfig()

	// Parse command line flags first so a custom config location is
	// honored.
	parser := flags.NewParser(&cfg, flags.Default)
	_, err := parser.Parse()
	if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	// Parse the ini file, then the command line again so explicit flags
	// win over file values.
	configFile := getConfigPath(&cfg)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// The config file is optional, only a malformed one is fatal.
		if _, ok := err.(*flags.IniError); ok {
			return err
		}
	}
	if _, err := parser.Parse(); err != nil {
		return err
	}

	if cfg.ShowVersion {
		appName := filepath.Base(os.Args[0])
		appName = strings.TrimSuffix(appName, filepath.Ext(appName))
		fmt.Println(appName, "version", lswap.Version())
		return nil
	}

	if err := Validate(&cfg); err != nil {
		return err
	}

	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	logWriter := build.NewRotatingLogWriter()
	SetupLoggers(logWriter, shutdownInterceptor)

	if cfg.DebugLevel == "show" {
		fmt.Printf("Supported subsystems: %v\n",
			logWriter.SupportedSubsystems())
		return nil
	}

	err = logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return err
	}
	if err := build.ParseAndSetDebugLevels(
		cfg.DebugLevel, logWriter,
	); err != nil {
		return err
	}

	log.Infof("Version: %v", lswap.Version())

	return run(&cfg)
}

// getConfigPath resolves the config file location, following a custom
// lswapdir when one is set.
func getConfigPath(cfg *Config) string {
	lswapDir := lncfg.CleanAndExpandPath(cfg.LswapDir)
	if lswapDir != lswapDirBase && cfg.ConfigFile == defaultConfigFile {
		return filepath.Join(
			lswapDir, cfg.Network, defaultConfigFilename,
		)
	}

	return lncfg.CleanAndExpandPath(cfg.ConfigFile)
}

// run assembles the swap engine from its collaborators and blocks until
// shutdown is requested or a component fails.
func run(cfg *Config) error {
	params, err := cfg.chainParams()
	if err != nil {
		return err
	}

	operatorKeyHash, err := cfg.operatorKeyHash()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		return err
	}

	// Open the swap database and bring its schema up to date.
	store, err := swapdb.NewSqliteStore(&swapdb.SqliteConfig{
		DatabaseFileName: cfg.databasePath(),
	})
	if err != nil {
		return fmt.Errorf("open swap database: %w", err)
	}
	defer store.Close()

	// Connect to lnd. This blocks until the node is synced to chain.
	log.Infof("Connecting to lnd at %v", cfg.Lnd.Host)
	lnd, err := newLndClient(cfg.Lnd, cfg.Network)
	if err != nil {
		return fmt.Errorf("connect lnd: %w", err)
	}
	defer lnd.Close()

	lightning := &lndLightningClient{
		lnd:         &lnd.LndServices,
		chainParams: params,
		maxFee:      btcutil.Amount(cfg.MaxPaymentFeeSats),
	}

	log.Infof("Connecting to ledger wallet at %v", cfg.Ledger.Host)
	ledger, err := newLedgerClient(cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	invManager := inventory.NewManager(&inventory.Config{
		Store:         store,
		Source:        ledger,
		PolicyAssetID: cfg.Ledger.PolicyAsset,
	})

	startCtx, cancelStart := context.WithTimeout(
		context.Background(), cfg.CallTimeout,
	)
	defer cancelStart()

	// Free reservations whose swap never made it to disk, unlink the
	// quotes those phantom swaps consumed, then pick up any collateral
	// the wallet acquired while we were down.
	if err := invManager.RecoverOrphans(startCtx); err != nil {
		return fmt.Errorf("recover orphaned reservations: %w", err)
	}
	unlinked, err := store.ClearOrphanedQuoteLinks(startCtx)
	if err != nil {
		return fmt.Errorf("clear orphaned quote links: %w", err)
	}
	if unlinked > 0 {
		log.Infof("Unlinked %v quotes from swaps that were never "+
			"recorded", unlinked)
	}
	if err := invManager.Sync(startCtx); err != nil {
		return fmt.Errorf("sync collateral: %w", err)
	}

	manager := lswap.NewManager(&lswap.Config{
		Store:                store,
		Inventory:            invManager,
		Lightning:            lightning,
		Ledger:               ledger,
		ChainParams:          params,
		InvoiceParams:        params,
		Clock:                clock.NewDefaultClock(),
		OperatorID:           cfg.OperatorID,
		OperatorKeyHash:      operatorKeyHash,
		OperatorSweepAddress: cfg.OperatorSweepAddr,
		ReorgSafeDepth:       cfg.ReorgSafeDepth,
		CallTimeout:          cfg.CallTimeout,
		FundingTicker:        ticker.NewForce(cfg.FundingPollInterval),
		SpendTicker:          ticker.NewForce(cfg.SpendPollInterval),
		RefundTicker:         ticker.NewForce(cfg.RefundPollInterval),
	})

	// Install the initial offer if one is configured. Without it the
	// daemon starts quoteless until the operator posts an offer.
	if cfg.Offer.AssetID != "" {
		manager.SetOffer(&lswap.Offer{
			AssetID:           cfg.Offer.AssetID,
			PriceMsatPerUnit: lnwire.MilliSatoshi(
				cfg.Offer.PriceMsatPerUnit,
			),
			FeeSubsidySats:    cfg.Offer.FeeSubsidySats,
			RefundDeltaBlocks: cfg.Offer.RefundDeltaBlocks,
			InvoiceExpiry:     cfg.Offer.InvoiceExpiry,
			MaxFundingConfs:   cfg.Offer.MaxFundingConfs,
		})
	}

	server, err := newRestServer(cfg, manager)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var group errgroup.Group
	group.Go(func() error {
		return manager.Run(runCtx)
	})
	group.Go(server.serve)
	group.Go(func() error {
		select {
		case <-interceptor.ShutdownChannel():
			log.Infof("Received shutdown signal")

		case <-runCtx.Done():
		}

		cancelRun()

		stopCtx, cancelStop := context.WithTimeout(
			context.Background(), time.Second*10,
		)
		defer cancelStop()

		return server.stop(stopCtx)
	})

	err = group.Wait()
	if err == context.Canceled {
		err = nil
	}

	log.Infof("Daemon exited")

	return err
}
