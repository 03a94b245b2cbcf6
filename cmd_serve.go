package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"boardsync/internal/handlers"
	"boardsync/internal/queue"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, the admin API and the retry scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not drain the queue in-process (drain from an external cron instead)")
	return cmd
}

func runServe(parent context.Context, root *rootOptions, withScheduler bool) error {
	cfg := root.cfg
	if err := cfg.RequireWebhook(); err != nil {
		return err
	}
	verifier, err := handlers.NewVerifier(cfg.WebhookSignatureMode, cfg.WebhookSigningSecret)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := queue.NewReport(a.db)
	if err != nil {
		return err
	}

	router := handlers.NewRouter(
		handlers.NewWebhookHandler(a.inbound, a.mappings, verifier, handlers.DefaultDedupWindow),
		handlers.NewAdminHandler(a.queue, report, a.conflicts, a.resolver, a.outbound),
		handlers.RouterConfig{
			WebhookPath:    cfg.WebhookPath,
			AdminToken:     cfg.AdminToken,
			RequestTimeout: a.operationTimeout(),
		},
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.operationTimeout() + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if withScheduler {
		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("webhookPath", cfg.WebhookPath).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
