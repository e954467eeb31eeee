package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devblac/chainforge/internal/saga"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file.yaml>",
	Short: "Run a list of operations; failures do not stop the batch",
	Long: `Runs every operation in the file in order. Each entry has a kind
(mint_collectible, list_on_market, buy_from_market, transfer_fungible,
claim_reward, cast_vote, save_world_snapshot, load_world_snapshot) plus the
fields of that operation. Amounts, prices and token ids are base-unit strings.
image_path and snapshot_path are relative to the batch file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ops, err := loadBatch(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res := a.orch.Batch(ctx, ops)
			if err := printResult(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "batch %s: %d item(s), %d failed\n", res.ID, len(res.Items), len(res.Failures))
				for _, it := range res.Items {
					if it.Err != "" {
						fmt.Fprintf(w, "  [%d] %-20s FAILED %s\n", it.Index, it.Kind, it.Err)
						continue
					}
					fmt.Fprintf(w, "  [%d] %-20s ok\n", it.Index, it.Kind)
				}
			}); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("batch %s: %d of %d operation(s) failed", res.ID, len(res.Failures), len(ops))
			}
			return nil
		})
	},
}

type batchFile struct {
	Operations []yaml.Node `yaml:"operations"`
}

// numericFields carries the base-unit values that requests keep as *big.Int.
type numericFields struct {
	TokenID string `yaml:"token_id"`
	Price   string `yaml:"price"`
	Amount  string `yaml:"amount"`
}

func loadBatch(path string) ([]saga.Operation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var file batchFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if len(file.Operations) == 0 {
		return nil, fmt.Errorf("batch %s has no operations", path)
	}
	dir := filepath.Dir(path)

	ops := make([]saga.Operation, 0, len(file.Operations))
	for i := range file.Operations {
		op, err := decodeOperation(&file.Operations[i], dir)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOperation(node *yaml.Node, dir string) (saga.Operation, error) {
	var head struct {
		Kind saga.Kind `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return nil, err
	}
	var nums numericFields
	if err := node.Decode(&nums); err != nil {
		return nil, err
	}

	switch head.Kind {
	case saga.KindMintCollectible:
		var req saga.MintRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		if req.ImagePath == "" {
			return nil, fmt.Errorf("image_path is required")
		}
		image, err := os.ReadFile(resolvePath(dir, req.ImagePath))
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		req.Image = image
		return req, nil
	case saga.KindListOnMarket:
		var req saga.ListRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		var err error
		if req.TokenID, err = parseAmount("token_id", nums.TokenID); err != nil {
			return nil, err
		}
		if req.Price, err = parseAmount("price", nums.Price); err != nil {
			return nil, err
		}
		return req, nil
	case saga.KindBuyFromMarket:
		var req saga.BuyRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		return req, nil
	case saga.KindTransferFungible:
		var req saga.TransferRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		var err error
		if req.Amount, err = parseAmount("amount", nums.Amount); err != nil {
			return nil, err
		}
		return req, nil
	case saga.KindClaimReward:
		var req saga.ClaimRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		return req, nil
	case saga.KindCastVote:
		var req saga.VoteRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		return req, nil
	case saga.KindSaveWorldSnapshot:
		var req saga.SaveWorldRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		if req.SnapshotPath == "" {
			return nil, fmt.Errorf("snapshot_path is required")
		}
		snap, err := os.ReadFile(resolvePath(dir, req.SnapshotPath))
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		req.Snapshot = snap
		return req, nil
	case saga.KindLoadWorldSnapshot:
		var req saga.LoadWorldRequest
		if err := node.Decode(&req); err != nil {
			return nil, err
		}
		return req, nil
	case "":
		return nil, fmt.Errorf("kind is required")
	default:
		return nil, fmt.Errorf("unknown kind %q", head.Kind)
	}
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
