package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/devblac/chainforge/internal/artifact"
	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/ledger"
	"github.com/devblac/chainforge/internal/logging"
	"github.com/devblac/chainforge/internal/metrics"
	"github.com/devblac/chainforge/internal/saga"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/devblac/chainforge/internal/storage"
	"github.com/devblac/chainforge/internal/wallet"
	"github.com/spf13/cobra"
)

// app is the wired core for one command invocation.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	network   config.Network
	registry  *contracts.Registry
	rpc       *evm.RPCClient
	session   *wallet.Session
	ledger    *ledger.Gateway
	artifacts *artifact.Store
	backend   *backend.Client
	orch      *saga.Orchestrator
	metrics   *metrics.Metrics

	clients map[string]*evm.RPCClient
}

func newLogger() *slog.Logger {
	return logging.NewWithLevel(overrides.LogLevel)
}

// loadConfig loads the config file and applies the network override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if networkFlag != "" {
		if _, ok := cfg.NetworkByID(networkFlag); !ok {
			return nil, fmt.Errorf("unknown network %q", networkFlag)
		}
		cfg.Global.Network = networkFlag
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	if cfg.Global.DBURL != "" {
		return storage.OpenPostgres(cfg.Global.DBURL)
	}
	return storage.Open(cfg.Global.DBPath)
}

// newApp wires every component. m may be nil. When connect is set the wallet
// session is connected before returning.
func newApp(ctx context.Context, connect bool, m *metrics.Metrics) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger()
	a := &app{cfg: cfg, log: log, network: cfg.Active(), metrics: m, clients: map[string]*evm.RPCClient{}}
	timeout := config.Duration(cfg.Global.HTTPTimeout, config.DefaultHTTPTimeout)

	nodes := map[uint64]wallet.NodeClient{}
	for _, n := range cfg.Networks {
		cli, err := evm.NewRPCClient(ctx, n.RPCURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("network %s: %w", n.ID, err)
		}
		a.clients[n.ID] = cli
		nodes[n.ChainID] = cli
		if n.ID == a.network.ID {
			a.rpc = cli
		}
	}
	a.registry = contracts.NewRegistry(a.network)

	var agent wallet.Agent
	if cfg.Wallet.PrivateKey != "" {
		ka, err := wallet.NewKeyAgent(cfg.Wallet.PrivateKey, nodes, a.network.ChainID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("wallet: %w", err)
		}
		agent = ka
	}
	a.session = wallet.NewSession(agent, log)

	a.ledger = ledger.New(a.rpc, a.session, a.registry, ledger.Options{
		ReadTimeout:  timeout,
		PollInterval: config.Duration(cfg.Global.PollInterval, ledger.DefaultPollInterval),
	}, log)
	a.session.SetBalanceReader(a.ledger)

	a.artifacts = artifact.NewStore(newArtifactBackend(cfg.Artifacts), cfg.Artifacts.GatewayURL, log)
	a.backend = backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, config.Duration(cfg.Backend.Timeout, timeout))
	a.orch = saga.New(a.session, a.artifacts, a.ledger, a.backend, a.metrics, log)

	if connect {
		if _, err := a.session.Connect(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect wallet: %w", err)
		}
	}
	return a, nil
}

func newArtifactBackend(c config.Artifacts) artifact.Backend {
	timeout := config.Duration(c.Timeout, artifact.DefaultTimeout)
	if c.Mode == "pinning" {
		return artifact.NewPinningClient(c.APIURL, c.GatewayURL, c.JWT, timeout)
	}
	return artifact.NewNodeClient(c.APIURL, timeout)
}

// resolveNetwork maps a wallet chain id to its configured registry.
func (a *app) resolveNetwork(chainID uint64) (*contracts.Registry, error) {
	n, ok := a.cfg.NetworkByChainID(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}
	return contracts.NewRegistry(n), nil
}

func (a *app) Close() {
	if a.session != nil {
		a.session.Disconnect()
	}
	for _, c := range a.clients {
		c.Close()
	}
}

// printResult writes v as indented JSON with --json, otherwise calls human.
func printResult(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	out := cmd.OutOrStdout()
	if jsonOut || human == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(out)
	return nil
}

func printRecord(w io.Writer, rec saga.Record) {
	fmt.Fprintf(w, "%s %s: succeeded\n", rec.Kind, rec.ID)
	for _, s := range rec.Steps {
		fmt.Fprintf(w, "  - %-18s %s\n", s.Name, s.Status)
	}
	if rec.TxHash != "" {
		fmt.Fprintf(w, "  tx %s\n", rec.TxHash)
	}
}

// parseAmount reads a non-negative base-unit integer.
func parseAmount(what, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q: want a base-unit integer", what, s)
	}
	return v, nil
}
