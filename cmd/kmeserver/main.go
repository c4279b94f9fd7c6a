package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/omkar-sarwat/Qumail-sub003/api/clients"
	"github.com/omkar-sarwat/Qumail-sub003/broadcast"
	"github.com/omkar-sarwat/Qumail-sub003/cmd/flags"
	"github.com/omkar-sarwat/Qumail-sub003/httpserver"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keypool"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
	"github.com/omkar-sarwat/Qumail-sub003/lifecycle"
	"github.com/omkar-sarwat/Qumail-sub003/lkm"
)

func main() {
	// Missing .env is fine; flags and real env still apply.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "kmeserver",
		Usage: "Serve the simulated QKD Key Management Entity API",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.StoreDSNFlag,
			flags.PeerAddrFlag,
			flags.PeerSRVFlag,
			flags.SourceSeedFlag,
			flags.VaultAddrFlag,
			flags.VaultTokenFlag,
			flags.VaultMountFlag,
			flags.PoolTargetFlag,
			flags.PoolMaxFlag,
			flags.KeySizeFlag,
			flags.LowWatermarkFlag,
			flags.EmergencyWatermarkFlag,
			flags.SyncIntervalFlag,
			flags.PollIntervalFlag,
			flags.ReserveTTLFlag,
			flags.TicketRetentionFlag,
			flags.PprofFlag,
			flags.DrainSecondsFlag,
		}, flags.CommonFlags...),
		Action: runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	source, err := buildSource(cCtx.String(flags.SourceSeedFlag.Name))
	if err != nil {
		logger.Error("Could not build key source", "err", err)
		return err
	}

	var escrow keypool.Escrow
	if vaultAddr := cCtx.String(flags.VaultAddrFlag.Name); vaultAddr != "" {
		escrow, err = keypool.NewVaultEscrow(
			vaultAddr,
			cCtx.String(flags.VaultTokenFlag.Name),
			cCtx.String(flags.VaultMountFlag.Name),
			"kme/keys",
			logger,
		)
		if err != nil {
			logger.Error("Could not connect to Vault escrow", "err", err)
			return err
		}
		logger.Info("Key material escrow enabled", "vault", vaultAddr)
	}

	storeFactory := keypool.NewStoreFactory(keypool.DefaultLimits, source, escrow, logger)
	store, err := storeFactory.StoreFor(ctx, cCtx.String(flags.StoreDSNFlag.Name))
	if err != nil {
		logger.Error("Could not open pool store", "err", err)
		return err
	}
	defer store.Close()

	peer := &clients.PeerClient{
		PeerAddr: cCtx.String(flags.PeerAddrFlag.Name),
		SRVName:  cCtx.String(flags.PeerSRVFlag.Name),
	}

	engine := lifecycle.New(store, logger)
	bcast := broadcast.New(peer, store, broadcast.DefaultConfig, logger)
	manager := lkm.New(engine, peer, bcast, lkm.Config{
		SyncInterval:    cCtx.Duration(flags.SyncIntervalFlag.Name),
		PollInterval:    cCtx.Duration(flags.PollIntervalFlag.Name),
		ReserveTTL:      cCtx.Duration(flags.ReserveTTLFlag.Name),
		TicketRetention: cCtx.Duration(flags.TicketRetentionFlag.Name),
		DefaultPool: interfaces.PoolConfig{
			TargetSize:         cCtx.Int(flags.PoolTargetFlag.Name),
			MaxKeys:            cCtx.Int(flags.PoolMaxFlag.Name),
			KeySize:            cCtx.Int(flags.KeySizeFlag.Name),
			LowWatermark:       cCtx.Float64(flags.LowWatermarkFlag.Name),
			EmergencyWatermark: cCtx.Float64(flags.EmergencyWatermarkFlag.Name),
		},
	}, logger)

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go manager.Run(workerCtx)

	handler := httpserver.NewHandler(manager, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("KME node is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	stopWorker()
	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func buildSource(seedHex string) (keysource.Source, error) {
	if seedHex == "" {
		return keysource.NewCSPRNG(), nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid source-seed: %w", err)
	}
	return keysource.NewDeterministic(seed)
}
