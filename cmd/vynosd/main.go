package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/config"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/daemon"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/hub"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/lockwatch"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/platform/privacylog"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/rpc"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/signer"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/wallet"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address")
	configPath := flag.String("config", "", "Path to vynos.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for wallet local data (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Vynos-Rpc-Token (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("vynosd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("vynosd failed to load config: %v", err)
	}
	if *rpcAddr != "" {
		cfg.RPCAddr = *rpcAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *rpcToken != "" {
		cfg.RPCToken = *rpcToken
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("vynosd failed: %v", err)
	}
	logger.Info("vynosd stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := statestore.Open(filepath.Join(cfg.DataDir, "state.vyn"), cfg.StoreSecret)
	if err != nil {
		return fmt.Errorf("state store (set storeSecret or VYNOS_STORE_SECRET): %w", err)
	}

	threadDeposit, err := currency.Parse(cfg.ThreadDeposit)
	if err != nil {
		return fmt.Errorf("thread deposit: %w", err)
	}

	m := metrics.New()
	sgn := signer.New(store, logger)
	watcher := lockwatch.New(store, logger)
	defer watcher.Close()

	hubClient, err := hub.NewHTTPClient(cfg.HubURL, sgn, logger, m)
	if err != nil {
		return fmt.Errorf("hub client: %w", err)
	}

	origins := rpc.NewOriginValidator(cfg.AllowedOrigins...)
	rpcSrv := rpc.NewServer(rpc.ServerConfig{
		Origins:   origins,
		Logger:    logger,
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
	})
	defer rpcSrv.Close()

	svc, err := wallet.New(wallet.Config{
		Store:                store,
		Hub:                  hubClient,
		Signer:               sgn,
		Lock:                 watcher,
		Events:               rpcSrv,
		Metrics:              m,
		Logger:               logger,
		HubAddress:           cfg.HubAddress,
		DefaultThreadDeposit: threadDeposit,
		TokenSupport:         cfg.TokenSupportEnabled(),
		RetryAttempts:        cfg.RetryAttempts,
		RetryInterval:        cfg.RetryInterval,
	})
	if err != nil {
		return fmt.Errorf("wallet service: %w", err)
	}

	registerHandlers(rpcSrv, svc, sgn)

	// In-flight transactions resume once key material is available; at boot
	// that means a previously unlocked session is gone and the unlock hook
	// does the resuming. An unlocked signer here covers embedded setups.
	if !sgn.IsLocked() {
		go func() {
			if err := svc.RestartAll(ctx); err != nil {
				logger.Error("boot restart failed", "error", err)
			}
		}()
	}

	srv, err := daemon.New(daemon.Config{
		Addr:    cfg.RPCAddr,
		Token:   cfg.RPCToken,
		Origins: origins,
		RPC:     rpcSrv,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("vynosd starting", "addr", cfg.RPCAddr, "hub", cfg.HubURL, "version", version)
	return srv.Run(ctx)
}
