package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/platform/cdshooks"
	"github.com/ehr/cdshooks/internal/platform/db"
)

func endpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Manage CDS discovery endpoints stored in the database",
	}

	withStore := func(fn func(ctx context.Context, store *db.EndpointStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to manage stored endpoints")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := db.NewEndpointStore(pool)
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			return fn(ctx, store, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored endpoints",
		RunE: withStore(func(ctx context.Context, store *db.EndpointStore, _ []string) error {
			eps, err := store.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "URL\tACTIVE\tCREATED")
			for _, ep := range eps {
				fmt.Fprintf(w, "%s\t%t\t%s\n", ep.URL, ep.Active, ep.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <endpoint>",
		Short: "Store an endpoint, or re-enable it",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *db.EndpointStore, args []string) error {
			ep, err := cdshooks.NormalizeEndpoint(args[0])
			if err != nil {
				return err
			}
			return store.Add(ctx, ep)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <endpoint>",
		Short: "Stop loading a stored endpoint at startup",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *db.EndpointStore, args []string) error {
			ep, err := cdshooks.NormalizeEndpoint(args[0])
			if err != nil {
				return err
			}
			ok, err := store.SetActive(ctx, ep, false)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("endpoint %s is not stored", ep)
			}
			return nil
		}),
	})
	return cmd
}
