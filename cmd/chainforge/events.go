package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/devblac/chainforge/internal/backend"
	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/eventsync"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query ledger events (tx and range need a ws_url for the network)",
}

var (
	rangeContract string
	rangeType     string
	rangeFrom     uint64
	rangeTo       uint64
	backendType   string
	backendTx     string
	backendLimit  int
)

func init() {
	rangeCmd.Flags().StringVar(&rangeContract, "contract", "", "Contract address or binding name (e.g. marketplace, GOLD, item)")
	rangeCmd.Flags().StringVar(&rangeType, "type", "", "Event type (e.g. marketplace.sold)")
	rangeCmd.Flags().Uint64Var(&rangeFrom, "from", 0, "First block (inclusive)")
	rangeCmd.Flags().Uint64Var(&rangeTo, "to", 0, "Last block (inclusive)")
	_ = rangeCmd.MarkFlagRequired("to")

	eventsBackendCmd.Flags().StringVar(&backendType, "type", "", "Event type filter")
	eventsBackendCmd.Flags().StringVar(&backendTx, "tx", "", "Transaction hash filter")
	eventsBackendCmd.Flags().IntVar(&backendLimit, "limit", 50, "Maximum number of events")

	eventsCmd.AddCommand(eventsTxCmd, rangeCmd, eventsBackendCmd)
}

// withSynchronizer starts a synchronizer on the active network for one query.
// Journaling and forwarding stay off.
func withSynchronizer(cmd *cobra.Command, fn func(ctx context.Context, s *eventsync.Synchronizer) ([]evm.NormalizedEvent, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	syncer, closeSync, err := a.newSynchronizer(ctx, nil, false)
	if err != nil {
		return err
	}
	defer closeSync()
	if err := syncer.Start(ctx, a.registry); err != nil {
		return err
	}
	defer syncer.Stop()

	events, err := fn(ctx, syncer)
	if err != nil {
		return err
	}
	return printResult(cmd, events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "no events")
		}
		for _, ev := range events {
			fmt.Fprintf(w, "%d %s:%d %-28s %s %s\n", ev.BlockNumber, ev.TxHash, ev.LogIndex, ev.Type, ev.Binding, formatArgs(ev.Args))
		}
	})
}

var eventsTxCmd = &cobra.Command{
	Use:   "tx <hash>",
	Short: "Decode the events of one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSynchronizer(cmd, func(ctx context.Context, s *eventsync.Synchronizer) ([]evm.NormalizedEvent, error) {
			return s.EventsByTx(ctx, args[0])
		})
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Fetch events in a block range",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := eventsync.RangeQuery{Contract: rangeContract, From: rangeFrom, To: rangeTo}
		if rangeType != "" {
			t, err := contracts.ParseEventType(rangeType)
			if err != nil {
				return err
			}
			q.Type = t
		}
		return withSynchronizer(cmd, func(ctx context.Context, s *eventsync.Synchronizer) ([]evm.NormalizedEvent, error) {
			return s.QueryRange(ctx, q)
		})
	},
}

var eventsBackendCmd = &cobra.Command{
	Use:   "backend",
	Short: "List events the backend has received",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := backend.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, 0)
		events, err := client.ListEvents(cmd.Context(), backend.EventQuery{Type: backendType, TxHash: backendTx, Limit: backendLimit})
		if err != nil {
			return err
		}
		return printResult(cmd, events, func(w io.Writer) {
			if len(events) == 0 {
				fmt.Fprintln(w, "no events")
			}
			for _, ev := range events {
				fmt.Fprintf(w, "%d %s:%d %-28s %s %s\n", ev.BlockNumber, ev.TxHash, ev.LogIndex, ev.Type, ev.Contract, formatArgs(ev.Args))
			}
		})
	},
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, " ")
}
