package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/arc-reactor/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API, internal and receiver routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			withConsumer, _ := cmd.Flags().GetBool("with-consumer")
			withWorker, _ := cmd.Flags().GetBool("with-worker")

			a, err := app.New(cmd.Context(), app.Options{
				Files:             true,
				Batch:             withWorker,
				BatchIfConfigured: true,
				Redis:             withConsumer,
				Temporal:          withWorker,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			a.StartCollectors(ctx)
			srv := a.NewServer(app.ServeAll)
			g.Go(func() error { return srv.Run(ctx, a.Cfg.Addr()) })
			if withConsumer {
				g.Go(func() error { return a.RunConsumer(ctx) })
			}
			if withWorker {
				g.Go(func() error { return a.RunWorker(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().Bool("with-consumer", false, "also run the weblog stream consumer")
	cmd.Flags().Bool("with-worker", false, "also run the Temporal reconcile worker")
	return cmd
}

func newReceiverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receiver",
		Short: "Serve only the public weblog relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), app.Options{Redis: true})
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartCollectors(cmd.Context())
			return a.NewServer(app.ServeReceiver).Run(cmd.Context(), a.Cfg.Addr())
		},
	}
}

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Ingest weblog events from the Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), app.Options{Redis: true})
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartCollectors(cmd.Context())
			return a.RunConsumer(cmd.Context())
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Host the reconcile sweep workflow on Temporal",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), app.Options{Batch: true, Temporal: true})
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartCollectors(cmd.Context())
			return a.RunWorker(cmd.Context())
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), app.Options{Batch: true})
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Migrate()
		},
	}
}
