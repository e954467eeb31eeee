package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; set BACKEND_API_KEY, WALLET_PRIVATE_KEY and SLACK_WEBHOOK_URL in .env\n", cfgPath)
		return nil
	},
}

const sampleConfig = `version: 1

global:
  db_path: ./chainforge.db
  network: testnet
  confirmations: 2
  http_timeout: 30s
  poll_interval: 2s
  reorg_depth: 12

networks:
  - id: testnet
    chain_id: 80002
    rpc_url: https://rpc-amoy.polygon.technology
    ws_url: ""
    native_symbol: POL
    start_block: latest-1000
    contracts:
      assets:
        GOLD: "0x0000000000000000000000000000000000000001"
        WOOD: "0x0000000000000000000000000000000000000002"
      collectibles:
        item: "0x0000000000000000000000000000000000000011"
        building: "0x0000000000000000000000000000000000000012"
        vehicle: "0x0000000000000000000000000000000000000013"
        land: "0x0000000000000000000000000000000000000014"
      marketplace: "0x0000000000000000000000000000000000000021"
      rewards: "0x0000000000000000000000000000000000000022"
      governance: "0x0000000000000000000000000000000000000023"

backend:
  base_url: http://localhost:8000/api
  api_key: ${BACKEND_API_KEY}
  timeout: 15s

artifacts:
  mode: node
  api_url: http://localhost:5001
  gateway_url: https://ipfs.io/ipfs/

wallet:
  private_key: ${WALLET_PRIVATE_KEY}

sinks:
  - id: ops-slack
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}

rules:
  - id: large-sales
    event: marketplace.sold
    where:
      - "price >= ether(100)"
    sinks: [ops-slack]
    rate_limit:
      capacity: 5
      per_second: 0.5
`
