package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/cdshooks/internal/platform/cdshooks"
)

type invokeResult struct {
	Endpoint  string               `json:"endpoint"`
	Skipped   bool                 `json:"skipped,omitempty"`
	Dropped   bool                 `json:"dropped,omitempty"`
	Responses []*cdshooks.Response `json:"responses"`
}

func invokeCmd() *cobra.Command {
	var (
		pairs   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke <hook>",
		Short: "Fire a hook at every configured endpoint and print the responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hookCtx, err := parseContext(pairs)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			clients := eng.registry.Clients()
			if len(clients) == 0 {
				return fmt.Errorf("no cds hooks endpoints configured")
			}
			requests := eng.registry.CreateInvocationRequests(args[0], hookCtx, nil)

			waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
			defer waitCancel()

			results := make([]invokeResult, len(requests))
			for i, r := range requests {
				results[i].Endpoint = clients[i].Endpoint()
				if r == nil {
					results[i].Skipped = true
					continue
				}
				if err := r.Wait(waitCtx); err != nil {
					r.Abort()
					return fmt.Errorf("waiting for %s: %w", results[i].Endpoint, err)
				}
				results[i].Dropped = r.Dropped()
				results[i].Responses = r.Responses()
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "context", nil, "hook context entry as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for all endpoints")
	return cmd
}

func parseContext(pairs []string) (*cdshooks.HookContext, error) {
	hc := cdshooks.NewHookContext()
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --context %q, want key=value", p)
		}
		hc.Set(k, v)
	}
	return hc, nil
}
