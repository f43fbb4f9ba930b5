package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the retry queue (invoice submissions and access invitations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), once)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single drain cycle and exit")

	return cmd
}

func runWorker(ctx context.Context, once bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	worker := a.newWorker()

	if once {
		worker.Tick(ctx)
		return nil
	}

	if err := worker.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	log.Info().Msg("Stopping retry worker...")
	worker.Stop()
	return nil
}
