package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/crossrail-labs/crossrail/api"
	"github.com/crossrail-labs/crossrail/bridge"
	"github.com/crossrail-labs/crossrail/chain"
	"github.com/crossrail-labs/crossrail/database"
	"github.com/crossrail-labs/crossrail/escrow"
	"github.com/crossrail-labs/crossrail/fees"
	"github.com/crossrail-labs/crossrail/ledger"
	"github.com/crossrail-labs/crossrail/poller"
)

// Version will be set at build time
var Version = "development"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	// create a new logger
	Logger := slog.New(tint.NewHandler(os.Stderr, nil))

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level: slog.LevelDebug,
		}),
	))

	Logger.Info("Starting crossrail ("+Version+")",
		"Go Version", runtime.Version(),
		"Operating System", runtime.GOOS,
		"Architecture", runtime.GOARCH)

	pollIntervalSecs, err := strconv.ParseUint(os.Getenv("BRIDGE_POLL_INTERVAL"), 10, 64)
	if err != nil {
		log.Fatalf("failed to parse BRIDGE_POLL_INTERVAL: %v", err)
	}

	// connect every configured chain
	registry := chain.NewRegistry()
	priceSources := make(map[string]fees.PriceSource)
	bridgeContracts := make(map[string]string)
	escrowContracts := make(map[string]string)
	for _, chainID := range strings.Split(os.Getenv("CHAINS"), ",") {
		chainID = strings.TrimSpace(chainID)
		if chainID == "" {
			continue
		}
		upper := strings.ToUpper(chainID)

		client, err := chain.NewClient(chain.ClientOpts{
			ChainID:  chainID,
			Endpoint: os.Getenv("RPC_URL_" + upper),
			Logger:   Logger.With("component", "chain-"+chainID),
		})
		if err != nil {
			log.Fatalf("failed to connect chain %s: %v", chainID, err)
		}
		registry.Add(client)
		priceSources[chainID] = client
		bridgeContracts[chainID] = os.Getenv("BRIDGE_CONTRACT_" + upper)
		escrowContracts[chainID] = os.Getenv("ESCROW_CONTRACT_" + upper)
	}

	db, err := database.NewDatabase(database.DatabaseOpts{
		URI:          os.Getenv("DATABASE_URI"),
		DatabaseName: os.Getenv("DATABASE_NAME"),
		Logger:       Logger.With("component", "database"),
	})
	if err != nil {
		log.Fatalf("failed to create database: %v", err)
	}
	if err := db.CreateIndexes(context.Background()); err != nil {
		log.Fatalf("failed to create database indexes: %v", err)
	}

	signer := chain.NewSignerClient(chain.SignerClientOpts{
		Endpoint: os.Getenv("SIGNER_URL"),
		Logger:   Logger.With("component", "signer"),
	})

	estimator := fees.NewEstimator(fees.EstimatorOpts{
		Sources: priceSources,
		Logger:  Logger.With("component", "fees"),
	})

	watcher := poller.NewPoller(poller.PollerOpts{
		Logger: Logger.With("component", "poller"),
	})

	txLedger := ledger.NewLedger(ledger.LedgerOpts{
		Store:       db,
		Chains:      registry,
		Broadcaster: signer,
		Logger:      Logger.With("component", "ledger"),
	})

	bridges := bridge.NewOrchestrator(bridge.OrchestratorOpts{
		Store:          db,
		Submitter:      txLedger,
		Chains:         registry,
		Fees:           estimator,
		Poller:         watcher,
		OperatorWallet: os.Getenv("OPERATOR_WALLET"),
		Contracts:      bridgeContracts,
		PollInterval:   time.Duration(pollIntervalSecs) * time.Second,
		Logger:         Logger.With("component", "bridge"),
	})

	escrows := escrow.NewCoordinator(escrow.CoordinatorOpts{
		Store:     db,
		Submitter: txLedger,
		Contracts: escrowContracts,
		Logger:    Logger.With("component", "escrow"),
	})

	// re-arm watches for transfers that were in flight before restart
	if err := bridges.Resume(context.Background()); err != nil {
		log.Fatalf("failed to resume bridge watches: %v", err)
	}

	// start api server
	server, err := api.NewServer(api.ServerOpts{
		Logger:   Logger.With("component", "api-server"),
		Database: db,
		Ledger:   txLedger,
		Bridges:  bridges,
		Escrows:  escrows,
		Port:     os.Getenv("API_PORT"),
	})
	if err != nil {
		log.Fatalf("failed to create api server: %v", err)
	}

	go server.StartServer()

	// Handle OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal: %v\n", sig)
	fmt.Println("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Close(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
