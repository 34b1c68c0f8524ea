package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/platform/cdshooks"
	"github.com/ehr/cdshooks/internal/platform/workerpool"
)

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <endpoint>",
		Short: "Load and print the service catalog of a CDS endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			pool := workerpool.New(1, logger)
			opts, err := clientOptions(ctx, cfg, logger, pool)
			if err != nil {
				return err
			}
			client, err := cdshooks.NewDiscoveryClient(ctx, args[0], opts...)
			if err != nil {
				return err
			}

			// Long enough for every attempt to time out and be retried.
			budget := time.Duration(cfg.CDSHooksRetryAttempts) * (cfg.RetryInterval() + cfg.InvokeTimeout())
			waitCtx, waitCancel := context.WithTimeout(ctx, budget)
			defer waitCancel()
			if err := client.WaitLoaded(waitCtx); err != nil {
				return err
			}

			services, err := client.Catalog().All()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"endpoint": client.Endpoint(),
				"services": services,
			})
		},
	}
}
