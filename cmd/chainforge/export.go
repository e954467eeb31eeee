package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/devblac/chainforge/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportOut    string
	exportFilter storage.EventFilter
)

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportFormat, "format", "json", "Output format: json|csv")
	f.StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
	f.StringVar(&exportFilter.Type, "type", "", "Only events of this type (e.g. marketplace.sold)")
	f.StringVar(&exportFilter.TxHash, "tx", "", "Only events of this transaction")
	f.Uint64Var(&exportFilter.FromBlock, "from", 0, "First block (inclusive)")
	f.Uint64Var(&exportFilter.ToBlock, "to", 0, "Last block (inclusive)")
	f.IntVar(&exportFilter.Limit, "limit", 0, "Maximum number of events")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journaled events as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "json" && exportFormat != "csv" {
			return fmt.Errorf("unsupported format %q (want json or csv)", exportFormat)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		filter := exportFilter
		filter.NetworkID = cfg.Active().ID
		events, err := store.ListEvents(cmd.Context(), filter)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if exportFormat == "csv" {
			return writeEventsCSV(w, events)
		}
		return writeEventsJSON(w, events)
	},
}

type exportedEvent struct {
	ID          string          `json:"id"`
	Network     string          `json:"network"`
	Type        string          `json:"type"`
	Contract    string          `json:"contract"`
	BlockNumber uint64          `json:"block_number"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint64          `json:"log_index"`
	Args        json.RawMessage `json:"args"`
	ObservedAt  time.Time       `json:"observed_at"`
}

func writeEventsJSON(w io.Writer, events []storage.EventRecord) error {
	out := make([]exportedEvent, 0, len(events))
	for _, e := range events {
		args := json.RawMessage(e.PayloadJSON)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out = append(out, exportedEvent{
			ID:          e.ID,
			Network:     e.NetworkID,
			Type:        e.Type,
			Contract:    e.Contract,
			BlockNumber: e.BlockNumber,
			TxHash:      e.TxHash,
			LogIndex:    e.LogIndex,
			Args:        args,
			ObservedAt:  e.ObservedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeEventsCSV(w io.Writer, events []storage.EventRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "network", "type", "contract", "block_number", "tx_hash", "log_index", "args", "observed_at"}); err != nil {
		return err
	}
	for _, e := range events {
		row := []string{
			e.ID,
			e.NetworkID,
			e.Type,
			e.Contract,
			strconv.FormatUint(e.BlockNumber, 10),
			e.TxHash,
			strconv.FormatUint(e.LogIndex, 10),
			e.PayloadJSON,
			e.ObservedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
