package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/commands"
	"chatrelay/internal/config"
	"chatrelay/internal/filestore"
	"chatrelay/internal/http"
	"chatrelay/internal/logging"
	"chatrelay/internal/mirror"
	"chatrelay/internal/outbox"
	"chatrelay/internal/presence"
	"chatrelay/internal/push"
	"chatrelay/internal/registry"
	"chatrelay/internal/router"
	"chatrelay/internal/storage"
	"chatrelay/internal/typing"
	"chatrelay/internal/upload"
	"chatrelay/internal/ws"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Direct message and presence relay",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var flagDisplayName string

var addUserCmd = &cobra.Command{
	Use:   "add-user <id>",
	Short: "Create or rename a user profile on a running relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return commands.AddUser(args[0], flagDisplayName, cfg, cmd.OutOrStdout())
	},
}

func init() {
	addUserCmd.Flags().StringVar(&flagDisplayName, "display-name", "", "display name (defaults to the id)")
	rootCmd.AddCommand(serveCmd, addUserCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.Stderr(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.StorageDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage")
		}
	}()

	// Nobody can be connected yet.
	if err := store.ResetPresence(ctx); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	images := upload.NewService(ctx, upload.Config{
		BaseURL:  cfg.BaseURL,
		MaxBytes: cfg.MaxImageBytes,
		TokenTTL: cfg.UploadTokenTTL,
	}, files, store, logger)

	observers := []presence.Observer{presence.NewPersister(store)}
	if cfg.Redis.Addr != "" {
		m := mirror.NewRedisMirror(mirror.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, logger)
		if err := m.Start(ctx); err != nil {
			_ = m.Close()
			return fmt.Errorf("failed to start redis presence mirror: %w", err)
		}
		defer func() { _ = m.Close() }()
		observers = append(observers, m)
	}

	tracker := presence.NewTracker(logger, observers...)
	reg := registry.New(tracker)
	tracker.Bind(reg)

	routerCfg := router.Config{
		Store:        store,
		Conns:        reg,
		Images:       images,
		DeliveryWait: cfg.DeliveryWait,
		Logger:       logger,
	}
	apiCfg := api.Config{Store: store, Images: images, MaxImageBytes: cfg.MaxImageBytes, Logger: logger}
	if cfg.Push.Enabled() {
		notifier := push.NewNotifier(push.Config{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
		}, store, logger)
		routerCfg.Notifier = notifier
		apiCfg.Push = notifier
	}
	msgRouter := router.New(routerCfg)

	hub := ws.NewHub(ws.HubConfig{
		Registry: reg,
		Presence: tracker,
		Router:   msgRouter,
		Typing:   typing.NewCoordinator(reg),
		Users:    store,
		Logger:   logger,
	})
	wsServer := ws.NewServer(hub, ws.Config{
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
		OutboxSize:   cfg.OutboxSize,
		OutboxPolicy: outboxPolicy(cfg.OutboxPolicy),
	}, logger)

	logger.Info().
		Str("storage", cfg.StorageDriver).
		Str("outbox_policy", cfg.OutboxPolicy).
		Bool("push", cfg.Push.Enabled()).
		Bool("redis_mirror", cfg.Redis.Addr != "").
		Msg("relay starting")

	g, gCtx := errgroup.WithContext(ctx)

	// Sessions inherit gCtx and close with reason "shutdown" when it ends.
	apiServer := http.NewAPIServer(gCtx, api.New(apiCfg), wsServer, cfg.APIAddr, logger)
	adminServer := http.NewAdminServer(api.NewAdminHandler(store, hub, tracker, logger), cfg.AdminAddr, logger)

	g.Go(func() error {
		return tracker.Run(gCtx)
	})

	g.Go(func() error {
		return tracker.Reconcile(gCtx, cfg.PresenceReconcileInterval)
	})

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for cancellation (signal or a failed server) and tear down.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")

		hub.CloseAll(ws.ReasonShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("admin server shutdown failed")
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API server shutdown failed")
		}

		// Hijacked websocket connections are not tracked by http.Server.
		if !waitTimeout(shutdownCtx, wsServer.Wait) {
			logger.Warn().Msg("websocket sessions still open after shutdown timeout")
		}
		if !waitTimeout(shutdownCtx, msgRouter.Wait) {
			logger.Warn().Msg("push notifications still pending after shutdown timeout")
		}
		return nil
	})

	return g.Wait()
}

func outboxPolicy(name string) outbox.Policy {
	if name == config.OutboxPolicyDropOldest {
		return outbox.PolicyDropOldest
	}
	return outbox.PolicyClose
}

// waitTimeout runs wait and reports whether it returned before ctx ended.
func waitTimeout(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		l.Fatal().Err(err).Msg("application error")
	}
}
