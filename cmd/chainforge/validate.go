package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/chainforge/internal/artifact"
	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping RPC, backend and artifact endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, network %s)\n", cfg.Version, cfg.Active().ID)

		timeout := config.Duration(cfg.Global.HTTPTimeout, config.DefaultHTTPTimeout)
		failures := 0

		for _, n := range cfg.Networks {
			chainID, err := pingNetwork(ctx, n, timeout)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- network %s: ERROR %v\n", n.ID, err)
				continue
			}
			fmt.Fprintf(out, "- network %s: chainId %d OK\n", n.ID, chainID)
		}

		if cfg.Backend.BaseURL != "" {
			client := backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, config.Duration(cfg.Backend.Timeout, timeout))
			if err := ping(ctx, timeout, client.Ping); err != nil {
				failures++
				fmt.Fprintf(out, "- backend %s: ERROR %v\n", cfg.Backend.BaseURL, err)
			} else {
				fmt.Fprintf(out, "- backend %s: OK\n", cfg.Backend.BaseURL)
			}
		}

		if cfg.Artifacts.APIURL != "" {
			store := artifact.NewStore(newArtifactBackend(cfg.Artifacts), cfg.Artifacts.GatewayURL, newLogger())
			if err := ping(ctx, timeout, store.Ping); err != nil {
				failures++
				fmt.Fprintf(out, "- artifacts (%s): ERROR %v\n", cfg.Artifacts.Mode, err)
			} else {
				fmt.Fprintf(out, "- artifacts (%s): OK\n", cfg.Artifacts.Mode)
			}
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d endpoint(s) failed connectivity", failures)
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

// pingNetwork dials the node and checks it serves the configured chain.
func pingNetwork(ctx context.Context, n config.Network, timeout time.Duration) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := evm.NewRPCClient(ctx, n.RPCURL)
	if err != nil {
		return 0, err
	}
	defer cli.Close()

	id, err := cli.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("call eth_chainId: %w", err)
	}
	if id.Uint64() != n.ChainID {
		return id.Uint64(), fmt.Errorf("chainId %s, config expects %d", id, n.ChainID)
	}
	return id.Uint64(), nil
}

func ping(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
