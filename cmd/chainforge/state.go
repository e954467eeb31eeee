package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/spf13/cobra"
)

type cursorState struct {
	Network   string    `json:"network"`
	Height    uint64    `json:"height"`
	Head      uint64    `json:"head,omitempty"`
	Lag       uint64    `json:"lag"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

type stateReport struct {
	Cursors    []cursorState  `json:"cursors"`
	Events     map[string]int `json:"events"`
	Deliveries map[string]int `json:"deliveries"`
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show sync cursors, lag and journal counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, false, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := openStore(a.cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}
		byID := map[string]string{}
		for _, n := range a.cfg.Networks {
			byID[evm.CursorID(n.ID)] = n.ID
		}

		report := stateReport{}
		for _, c := range cursors {
			st := cursorState{Network: c.SourceID, Height: c.Height, UpdatedAt: c.UpdatedAt}
			if id, ok := byID[c.SourceID]; ok {
				st.Network = id
				head, err := a.clients[id].HeaderByNumber(ctx, nil)
				if err != nil {
					st.Error = err.Error()
				} else {
					st.Head = head.Number.Uint64()
					if st.Head > c.Height {
						st.Lag = st.Head - c.Height
					}
				}
			}
			report.Cursors = append(report.Cursors, st)
		}
		if report.Events, err = store.CountEventsByType(ctx); err != nil {
			return err
		}
		if report.Deliveries, err = store.CountDeliveries(ctx); err != nil {
			return err
		}

		return printResult(cmd, report, func(w io.Writer) {
			if len(report.Cursors) == 0 {
				fmt.Fprintln(w, "no cursors yet; run `chainforge run` first")
			}
			for _, c := range report.Cursors {
				if c.Error != "" {
					fmt.Fprintf(w, "%-12s height %d (head unavailable: %s)\n", c.Network, c.Height, c.Error)
					continue
				}
				fmt.Fprintf(w, "%-12s height %d head %d lag %d updated %s\n", c.Network, c.Height, c.Head, c.Lag, c.UpdatedAt.Format(time.RFC3339))
			}
			printCounts(w, "events", report.Events)
			printCounts(w, "deliveries", report.Deliveries)
		})
	},
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-28s %d\n", k, counts[k])
	}
}
