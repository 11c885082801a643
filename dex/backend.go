// Copyright 2025 The dexproxy Authors
// This file is part of the dexproxy library.
//
// The dexproxy library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dexproxy library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dexproxy library. If not, see <http://www.gnu.org/licenses/>.

// Package dex implements the proxy core: the orchestrator that turns client
// verbs into cached requests, adapter submissions and poller work.
package dex

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/rawdb"
	"github.com/meridianxyz/dexproxy/core/types"
	"github.com/meridianxyz/dexproxy/dex/dexconfig"
	"github.com/meridianxyz/dexproxy/poller"
	"github.com/meridianxyz/dexproxy/rpc"
)

// Backend is one proxy instance: the request cache, the nonce manager, the
// status poller and the subscription registry, orchestrated behind the verb
// methods the transport calls. One Backend is constructed at startup and
// passed by reference; it holds no global state.
type Backend struct {
	cfg dexconfig.Config
	log log.Logger

	adapter     dexproxy.Adapter
	chainVerbs  dexproxy.ChainVerbs  // nil without on-chain utility verbs
	txCanceller dexproxy.TxCanceller // nil without replacement cancels
	gasPricer   dexproxy.GasPricer   // nil without a fast-price source

	cache      *core.RequestCache
	noncer     *core.NonceManager // nil for off-chain adapters
	poll       *poller.Poller
	classifier *core.Classifier
	gasPolicy  core.GasPolicy
	store      rawdb.Store
	registry   *rpc.Registry

	instanceID string
	startedAt  time.Time

	eventCh  chan types.Event
	eventSub event.Subscription
	wg       sync.WaitGroup
}

// New assembles a backend around the adapter. nonceSource may be nil for
// adapters that consume no proxy-managed nonces; store may be nil to run
// without persistence.
func New(cfg dexconfig.Config, adapter dexproxy.Adapter, nonceSource dexproxy.NonceSource, store rawdb.Store, logger log.Logger) *Backend {
	b := &Backend{
		cfg:        cfg,
		log:        logger.New("component", "dex", "adapter", adapter.Name()),
		adapter:    adapter,
		cache:      core.NewRequestCache(cfg.Cache, storageWriter(store), logger),
		classifier: core.NewClassifier(),
		gasPolicy:  core.GasPolicy{MaxPriceWei: cfg.GasCapWei},
		store:      store,
		registry:   rpc.NewRegistry(adapter.Channels(), logger),
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		eventCh:    make(chan types.Event, 512),
	}
	b.chainVerbs, _ = adapter.(dexproxy.ChainVerbs)
	b.txCanceller, _ = adapter.(dexproxy.TxCanceller)
	b.gasPricer, _ = adapter.(dexproxy.GasPricer)
	if bound, ok := adapter.(dexproxy.NonceBound); ok {
		b.noncer = core.NewNonceManager(cfg.Noncer, nonceSource, bound.SignerAddress(), logger)
	}
	b.poll = poller.New(cfg.Poller, b.cache, adapter, b.classifier, logger)
	return b
}

// storageWriter narrows a store to the cache's writer interface, keeping
// the nil store nil at the interface level.
func storageWriter(store rawdb.Store) core.StorageWriter {
	if store == nil {
		return nil
	}
	return store
}

// Registry exposes the subscription registry for the transport layer.
func (b *Backend) Registry() *rpc.Registry { return b.registry }

// Adapter exposes the backing adapter, e.g. for the message hook.
func (b *Backend) Adapter() dexproxy.Adapter { return b.adapter }

// Start reloads persisted state and launches every component. Reloaded
// non-terminal requests rejoin the poller by virtue of being back in the
// cache; already terminal ones land directly in the retention window.
func (b *Backend) Start() error {
	if b.store != nil {
		reqs, err := b.store.LoadRequests()
		if err != nil {
			return err
		}
		active, terminal := b.cache.Reload(reqs)
		if active+terminal > 0 {
			b.log.Info("Reloaded persisted requests", "active", active, "finalised", terminal)
		}
	}
	if b.noncer != nil {
		if max, ok := b.cache.MaxNonce(); ok {
			b.noncer.SetFloor(max + 1)
		}
		b.noncer.Start()
	}
	b.eventSub = b.cache.SubscribeEvents(b.eventCh)
	b.wg.Add(1)
	go b.eventLoop()

	b.cache.Start()
	b.registry.Start()
	b.poll.Start()
	b.log.Info("DEX core started", "instance", b.instanceID, "channels", b.adapter.Channels())
	return nil
}

// Stop tears the backend down: pollers first so no new transitions arrive,
// then the cache (draining its persistence queue), then the fan-out.
func (b *Backend) Stop() {
	b.poll.Stop()
	if b.noncer != nil {
		b.noncer.Stop()
	}
	b.cache.Stop()
	b.eventSub.Unsubscribe()
	b.wg.Wait()
	b.registry.Stop()
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn("Failed to close request store", "err", err)
		}
	}
	b.log.Info("DEX core stopped")
}

// eventLoop bridges cache events into the subscription registry. A single
// goroutine keeps per-channel publication order identical to mutation
// order.
func (b *Backend) eventLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.eventCh:
			b.registry.Publish(ev.Channel, ev.Data)
		case <-b.eventSub.Err():
			return
		}
	}
}
