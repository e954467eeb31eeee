package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect the configured wallet",
}

var walletQR bool

func init() {
	walletAddressCmd.Flags().BoolVar(&walletQR, "qr", false, "Also print the address as a terminal QR code")
	walletCmd.AddCommand(walletAddressCmd, walletBalancesCmd, walletSignCmd)
}

var walletAddressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the connected address and network",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, err := a.session.CurrentAddress()
		if err != nil {
			return err
		}
		chainID, err := a.session.CurrentNetworkID()
		if err != nil {
			return err
		}
		out := struct {
			Address string `json:"address"`
			ChainID uint64 `json:"chain_id"`
			Network string `json:"network"`
		}{addr.Hex(), chainID, a.network.ID}

		var qr string
		if walletQR {
			code, err := qrcode.New(addr.Hex(), qrcode.Medium)
			if err != nil {
				return fmt.Errorf("render qr: %w", err)
			}
			qr = code.ToSmallString(false)
		}
		return printResult(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "%s (chain %d, %s)\n", out.Address, out.ChainID, out.Network)
			if qr != "" {
				fmt.Fprint(w, qr)
			}
		})
	},
}

var walletBalancesCmd = &cobra.Command{
	Use:   "balances [address]",
	Short: "Show native and game asset balances (base units)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := ""
		if len(args) == 1 {
			addr = args[0]
		}
		a, err := newApp(cmd.Context(), addr == "", nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if addr == "" {
			current, err := a.session.CurrentAddress()
			if err != nil {
				return err
			}
			addr = current.Hex()
		}
		balances, err := a.session.Balances(cmd.Context(), addr)
		if err != nil {
			return err
		}
		out := make(map[string]string, len(balances))
		for sym, v := range balances {
			out[sym] = v.String()
		}
		return printResult(cmd, out, func(w io.Writer) {
			syms := make([]string, 0, len(out))
			for sym := range out {
				syms = append(syms, sym)
			}
			sort.Strings(syms)
			for _, sym := range syms {
				fmt.Fprintf(w, "%-8s %s\n", sym, out[sym])
			}
		})
	},
}

var walletSignCmd = &cobra.Command{
	Use:   "sign <message>",
	Short: "Sign a text message with the wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		sig, err := a.session.SignMessage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := map[string]string{"signature": "0x" + hex.EncodeToString(sig)}
		return printResult(cmd, out, func(w io.Writer) {
			fmt.Fprintln(w, out["signature"])
		})
	},
}
