package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/devblac/chainforge/internal/saga"
	"github.com/spf13/cobra"
)

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Save or load world snapshots",
}

var (
	worldID   string
	worldName string
	worldKey  string
	worldOut  string
)

func init() {
	worldSaveCmd.Flags().StringVar(&worldID, "id", "", "Existing world id to update")
	worldSaveCmd.Flags().StringVar(&worldName, "name", "", "World name")
	worldSaveCmd.Flags().StringVar(&worldKey, "idempotency-key", "", "Reuse a key to make a retry recognizable")
	worldLoadCmd.Flags().StringVarP(&worldOut, "out", "o", "", "Write the snapshot to a file")
	worldCmd.AddCommand(worldSaveCmd, worldLoadCmd)
}

var worldSaveCmd = &cobra.Command{
	Use:   "save <snapshot.json>",
	Short: "Upload a snapshot and record it with the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("%s is not valid JSON", args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.SaveWorldSnapshot(ctx, saga.SaveWorldRequest{
				WorldID:        worldID,
				Name:           worldName,
				Snapshot:       raw,
				SnapshotPath:   args[0],
				IdempotencyKey: worldKey,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  world %s cid %s pinned=%t\n", res.World.ID, res.Artifact.Hash, res.Pinned)
			})
		})
	},
}

var worldLoadCmd = &cobra.Command{
	Use:   "load <world-id>",
	Short: "Load a saved world snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.LoadWorldSnapshot(ctx, saga.LoadWorldRequest{WorldID: args[0]})
			if err != nil {
				return err
			}
			if worldOut != "" {
				if err := os.WriteFile(worldOut, res.Payload, 0o644); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				source := "embedded copy"
				if res.LoadedFromStore {
					source = "content store"
				}
				fmt.Fprintf(w, "  world %s (%s) from %s, %d bytes\n", res.World.ID, res.World.Name, source, len(res.Payload))
				if worldOut == "" {
					fmt.Fprintln(w, string(res.Payload))
				}
			})
		})
	},
}
