package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	checkoutHttp "github.com/vasiliy-maslov/course-checkout/internal/handler/http"
)

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP API and webhook receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), withWorker)
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "Also drain the retry queue in this process")

	return cmd
}

func runServe(ctx context.Context, withWorker bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Checkout service starting...")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	checkoutHttp.NewHealthHandler(map[string]checkoutHttp.Pinger{
		"postgres": a.db.Pool,
		"redis":    checkoutHttp.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }),
	}).RegisterRoutes(router)
	checkoutHttp.NewCheckoutHandler(a.orders, a.coupons).RegisterRoutes(router)
	checkoutHttp.NewWebhookHandler(
		a.reconciler,
		a.provisioning,
		a.invitations,
		a.cfg.Webhook.GatewayTokenHash,
		a.cfg.Webhook.IdentityTokenHash,
	).RegisterRoutes(router)

	if withWorker {
		worker := a.newWorker()
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	server := &http.Server{
		Addr:         ":" + a.cfg.App.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", a.cfg.App.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Checkout service stopped gracefully.")
	return nil
}
