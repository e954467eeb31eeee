package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/devblac/chainforge/internal/contracts"
	"github.com/devblac/chainforge/internal/saga"
	"github.com/spf13/cobra"
)

// withApp wires the app with a connected wallet, runs fn and reports the
// trace of a failed saga on stderr.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	var se *saga.StageError
	if errors.As(err, &se) && !jsonOut {
		w := cmd.ErrOrStderr()
		for _, s := range se.Record.Steps {
			fmt.Fprintf(w, "  - %-18s %s %s\n", s.Name, s.Status, s.Error)
		}
	}
	return err
}

var (
	mintName     string
	mintImage    string
	mintMetadata []string
	mintKey      string
)

func init() {
	f := mintCmd.Flags()
	f.StringVar(&mintName, "name", "", "Collectible name")
	f.StringVar(&mintImage, "image", "", "Path to the image file")
	f.StringArrayVar(&mintMetadata, "attr", nil, "Metadata attribute key=value (repeatable)")
	f.StringVar(&mintKey, "idempotency-key", "", "Reuse a key to make a retry recognizable")
	_ = mintCmd.MarkFlagRequired("image")
}

var mintCmd = &cobra.Command{
	Use:   "mint <category>",
	Short: "Upload an image and metadata, then mint a collectible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(mintImage)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		meta, err := parseAttrs(mintMetadata)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.MintCollectible(ctx, saga.MintRequest{
				Category:       contracts.Category(args[0]),
				Name:           mintName,
				Image:          image,
				ImagePath:      mintImage,
				Metadata:       meta,
				IdempotencyKey: mintKey,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  token %s (item %s) on %s\n  metadata %s\n", res.TokenID, res.ItemID, res.ContractAddress, res.MetadataURL)
			})
		})
	},
}

var listKey string

func init() {
	listCmd.Flags().StringVar(&listKey, "idempotency-key", "", "Reuse a key to make a retry recognizable")
}

var listCmd = &cobra.Command{
	Use:   "list <category> <token-id> <price>",
	Short: "List an owned collectible on the marketplace (price in base units)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenID, err := parseAmount("token id", args[1])
		if err != nil {
			return err
		}
		price, err := parseAmount("price", args[2])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.ListOnMarket(ctx, saga.ListRequest{
				Category:       contracts.Category(args[0]),
				TokenID:        tokenID,
				Price:          price,
				IdempotencyKey: listKey,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  listing %s\n", res.ListingID)
			})
		})
	},
}

var buyKey string

func init() {
	buyCmd.Flags().StringVar(&buyKey, "idempotency-key", "", "Reuse a key to make a retry recognizable")
}

var buyCmd = &cobra.Command{
	Use:   "buy <listing-id>",
	Short: "Buy a marketplace listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.BuyFromMarket(ctx, saga.BuyRequest{ListingID: args[0], IdempotencyKey: buyKey})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  bought %s #%s from %s for %s\n", res.Listing.Category, res.Listing.TokenID, res.Listing.Seller, res.Listing.Price)
			})
		})
	},
}

var transferKey string

func init() {
	transferCmd.Flags().StringVar(&transferKey, "idempotency-key", "", "Reuse a key to make a retry recognizable")
}

var transferCmd = &cobra.Command{
	Use:   "transfer <asset> <to> <amount>",
	Short: "Transfer a fungible game asset (amount in base units)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount("amount", args[2])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.TransferFungible(ctx, saga.TransferRequest{
				Asset:          args[0],
				To:             args[1],
				Amount:         amount,
				IdempotencyKey: transferKey,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  transfer %s\n", res.TransferID)
			})
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <reward-id>",
	Short: "Claim a reward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.ClaimReward(ctx, saga.ClaimRequest{RewardID: args[0]})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				fmt.Fprintf(w, "  claimed %s\n", res.Reward.Amount)
			})
		})
	},
}

var voteAgainst bool

func init() {
	voteCmd.Flags().BoolVar(&voteAgainst, "against", false, "Vote against the proposal")
}

var voteCmd = &cobra.Command{
	Use:   "vote <proposal-id>",
	Short: "Cast a governance vote (in favor unless --against)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.orch.CastVote(ctx, saga.VoteRequest{ProposalID: args[0], Support: !voteAgainst})
			if err != nil {
				return err
			}
			return printResult(cmd, res, func(w io.Writer) {
				printRecord(w, res.Record)
				if res.Weight != "" {
					fmt.Fprintf(w, "  weight %s\n", res.Weight)
				}
			})
		})
	},
}

func parseAttrs(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid attribute %q: want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
