// Command chatbridged runs the multi-tenant messaging bridge daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/signalhub/chatbridge/auth"
	"github.com/signalhub/chatbridge/auth/authtest"
	"github.com/signalhub/chatbridge/bridge"
	"github.com/signalhub/chatbridge/credstore"
	redisstore "github.com/signalhub/chatbridge/credstore/redis"
	"github.com/signalhub/chatbridge/internal/config"
	"github.com/signalhub/chatbridge/internal/jwtauth"
	"github.com/signalhub/chatbridge/internal/logctx"
	"github.com/signalhub/chatbridge/mediastore"
	"github.com/signalhub/chatbridge/protocol/loopback"
	"github.com/signalhub/chatbridge/pushhttp"
	"github.com/signalhub/chatbridge/pushsession"
)

func main() {
	root := &cobra.Command{
		Use:           "chatbridged",
		Short:         "Multi-tenant messaging bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
	slog.SetDefault(log)

	store, cleanup, err := buildCredStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	authn, err := buildAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	media, err := mediastore.NewFileStore(cfg.MediaDir, nil)
	if err != nil {
		return err
	}

	reg := pushsession.NewRegistry(pushsession.WithLogger(log))
	adapter := bridge.NewAdapter(media, log)
	mgr := bridge.NewManager(store, loopback.New, adapter, bridge.Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay.Std(),
	}, bridge.WithManagerLogger(log))

	bc := bridge.NewBroadcaster(reg, log)
	sink := bridge.NewBroadcastSink(bc, log, bridge.QRDisplay(cfg.QRDisplay))
	disp := bridge.NewDispatcher(mgr, bc, sink, log)

	handler, err := pushhttp.New(reg, mgr, disp,
		pushhttp.WithLogger(log),
		pushhttp.WithAuthenticator(authn),
		pushhttp.WithRealm(cfg.Auth.Realm),
		pushhttp.WithKeepAliveInterval(cfg.KeepAliveInterval.Std()),
	)
	if err != nil {
		return err
	}

	if cfg.WatchCreds && cfg.CredsBackend == "fs" {
		w, err := credstore.NewWatcher(cfg.CredsDir, log)
		if err != nil {
			return err
		}
		go func() { _ = w.Run(ctx) }()
	}

	go sweep(ctx, cfg, reg, mgr)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.start", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.start")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error("manager.close.fail", slog.String("err", err.Error()))
	}
	log.Info("server.shutdown.ok")
	return nil
}

func buildCredStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (credstore.Store, func(), error) {
	switch cfg.CredsBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(redisstore.Config{Client: client})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := credstore.NewFSStore(cfg.CredsDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func buildAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if cfg.Auth.Mode != "jwt" {
		return authtest.NewNoAuth(""), nil
	}
	jcfg := jwtauth.DefaultConfig()
	jcfg.Issuer = cfg.Auth.Issuer
	jcfg.ExpectedAudiences = []string{cfg.Auth.Audience}
	return jwtauth.New(ctx, jcfg, cfg.Auth.JWKSURL)
}

// sweep periodically reaps idle push sessions and idle tenant connections.
func sweep(ctx context.Context, cfg *config.Config, reg *pushsession.Registry, mgr *bridge.Manager) {
	ticker := time.NewTicker(cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.CleanupStale(cfg.SessionIdleTimeout.Std())
			mgr.CleanupInactive(ctx, cfg.TenantIdleTimeout.Std())
		}
	}
}
