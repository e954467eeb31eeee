package main

import (
	"context"
	"fmt"

	"github.com/devblac/chainforge/internal/config"
	"github.com/devblac/chainforge/internal/eventsync"
	"github.com/devblac/chainforge/internal/source/evm"
	"github.com/devblac/chainforge/internal/storage"
)

// newSynchronizer dials a log client per network, preferring the WebSocket
// endpoint, and builds the synchronizer around them. The returned func closes
// the extra connections it opened.
func (a *app) newSynchronizer(ctx context.Context, store *storage.Store, forward bool) (*eventsync.Synchronizer, func(), error) {
	clients := map[string]eventsync.LogClient{}
	opened := []*evm.RPCClient{}
	closeAll := func() {
		for _, c := range opened {
			c.Close()
		}
	}
	for _, n := range a.cfg.Networks {
		if n.WSURL == "" {
			clients[n.ID] = a.clients[n.ID]
			continue
		}
		cli, err := evm.NewRPCClient(ctx, n.WSURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("network %s websocket: %w", n.ID, err)
		}
		opened = append(opened, cli)
		clients[n.ID] = cli
	}

	var forwarder eventsync.Forwarder
	if forward && a.cfg.Backend.BaseURL != "" {
		forwarder = a.backend
	}
	syncer := eventsync.New(clients, store, forwarder, a.metrics, a.log, eventsync.Options{
		StartBlock:     a.network.StartBlock,
		Confirmations:  a.cfg.Global.Confirmations,
		ReorgDepth:     a.cfg.Global.ReorgDepth,
		ForwardTimeout: config.Duration(a.cfg.Backend.Timeout, eventsync.DefaultForwardTimeout),
	})
	return syncer, closeAll, nil
}
