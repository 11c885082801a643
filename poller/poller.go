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

// Package poller drives in-flight requests to terminal states. Three
// periodic tasks interrogate the adapter: order-record lookups resolve
// exchange order ids, action-record lookups apply fills and cancels, and
// receipt lookups confirm or reject the underlying transactions.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
)

var (
	recordBatchTimer  = metrics.NewRegisteredTimer("dexproxy/poller/records", nil)
	actionBatchTimer  = metrics.NewRegisteredTimer("dexproxy/poller/actions", nil)
	receiptBatchTimer = metrics.NewRegisteredTimer("dexproxy/poller/receipts", nil)
	pollErrorMeter    = metrics.NewRegisteredMeter("dexproxy/poller/errors", nil)
	deadlineMeter     = metrics.NewRegisteredMeter("dexproxy/poller/deadlines", nil)
)

// Config are the scheduling knobs of the status poller. The three intervals
// correspond to the three tasks; the rest bound their work.
type Config struct {
	OrderRecordsInterval time.Duration // cadence of exchange order id resolution
	DelayAfterSubmit     time.Duration // grace before a fresh submission is looked up
	ActionsInterval      time.Duration // cadence of the action-record task
	RefreshAfter         time.Duration // re-poll an order when its last success is older
	ReceiptsInterval     time.Duration // cadence of the receipt task
	InsertFailAfter      time.Duration // deadline for resolving an exchange order id
	SlotWindow           uint64        // chain progress required before the deadline fires
	Concurrency          int           // parallel adapter lookups per batch
	LookupTimeout        time.Duration // per-lookup budget
	PageLimit            int           // records requested per page
}

// DefaultConfig is used when fields are unset or invalid.
var DefaultConfig = Config{
	OrderRecordsInterval: 500 * time.Millisecond,
	DelayAfterSubmit:     2 * time.Second,
	ActionsInterval:      500 * time.Millisecond,
	RefreshAfter:         2 * time.Second,
	ReceiptsInterval:     time.Second,
	InsertFailAfter:      60 * time.Second,
	SlotWindow:           150,
	Concurrency:          4,
	LookupTimeout:        5 * time.Second,
	PageLimit:            100,
}

func (c Config) sanitize(logger log.Logger) Config {
	cfg := c
	if cfg.OrderRecordsInterval <= 0 {
		cfg.OrderRecordsInterval = DefaultConfig.OrderRecordsInterval
	}
	if cfg.DelayAfterSubmit <= 0 {
		cfg.DelayAfterSubmit = DefaultConfig.DelayAfterSubmit
	}
	if cfg.ActionsInterval <= 0 {
		cfg.ActionsInterval = DefaultConfig.ActionsInterval
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = DefaultConfig.RefreshAfter
	}
	if cfg.ReceiptsInterval <= 0 {
		cfg.ReceiptsInterval = DefaultConfig.ReceiptsInterval
	}
	if cfg.InsertFailAfter <= 0 {
		cfg.InsertFailAfter = DefaultConfig.InsertFailAfter
	}
	if cfg.SlotWindow == 0 {
		cfg.SlotWindow = DefaultConfig.SlotWindow
	}
	if cfg.Concurrency < 1 {
		logger.Warn("Sanitizing invalid poller concurrency", "provided", cfg.Concurrency, "updated", DefaultConfig.Concurrency)
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig.LookupTimeout
	}
	if cfg.PageLimit < 1 {
		cfg.PageLimit = DefaultConfig.PageLimit
	}
	return cfg
}

// Poller owns the three polling tasks for one adapter. It mutates requests
// only through the request cache, so every transition it applies obeys the
// cache's forward-only rules.
type Poller struct {
	cfg        Config
	log        log.Logger
	cache      *core.RequestCache
	adapter    dexproxy.Adapter
	classifier *core.Classifier

	receipts dexproxy.ReceiptReader // nil when the adapter reads no receipts
	lookup   dexproxy.OrderLookup   // nil without the single-order fast path

	// latestSlot is the highest chain slot observed on any adapter reply,
	// feeding the insert deadline rule.
	latestSlot atomic.Uint64

	// refreshed tracks the last successful action poll per live order.
	mu        sync.Mutex
	refreshed map[string]time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a poller bound to cache and adapter. Optional adapter
// capabilities are discovered here.
func New(cfg Config, cache *core.RequestCache, adapter dexproxy.Adapter, classifier *core.Classifier, logger log.Logger) *Poller {
	logger = logger.New("component", "poller", "adapter", adapter.Name())
	p := &Poller{
		cfg:        cfg.sanitize(logger),
		log:        logger,
		cache:      cache,
		adapter:    adapter,
		classifier: classifier,
		refreshed:  make(map[string]time.Time),
		quit:       make(chan struct{}),
	}
	p.receipts, _ = adapter.(dexproxy.ReceiptReader)
	p.lookup, _ = adapter.(dexproxy.OrderLookup)
	return p
}

// Start launches the three task loops.
func (p *Poller) Start() {
	p.wg.Add(3)
	go p.taskLoop("order_records", p.cfg.OrderRecordsInterval, p.pollOrderRecords)
	go p.taskLoop("order_actions", p.cfg.ActionsInterval, p.pollOrderActions)
	go p.taskLoop("place_transactions", p.cfg.ReceiptsInterval, p.pollPlaceTransactions)
}

// Stop terminates the task loops and waits for in-flight ticks to drain.
func (p *Poller) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// LatestSlot returns the highest chain slot observed so far.
func (p *Poller) LatestSlot() uint64 {
	return p.latestSlot.Load()
}

// ObserveSlot folds a slot observation into the poller's chain view. The
// dex core reports submission slots through it.
func (p *Poller) ObserveSlot(slot uint64) {
	for {
		cur := p.latestSlot.Load()
		if slot <= cur || p.latestSlot.CompareAndSwap(cur, slot) {
			return
		}
	}
}

// taskLoop runs tick at the given cadence. A tick that returns an error
// pushes the next run out on an exponential backoff; a clean tick resets it.
func (p *Poller) taskLoop(name string, interval time.Duration, tick func(ctx context.Context) error) {
	defer p.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = interval
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // never give up

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-p.quit:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.LookupTimeout)
		err := tick(ctx)
		cancel()

		next := interval
		if err != nil {
			pollErrorMeter.Mark(1)
			next = retry.NextBackOff()
			p.log.Debug("Poll tick failed, backing off", "task", name, "retry_in", next, "err", err)
		} else {
			retry.Reset()
		}
		timer.Reset(next)
	}
}

// forget clears per-request tracking state once a request left the live set.
func (p *Poller) forget(clientRequestID string) {
	p.mu.Lock()
	delete(p.refreshed, clientRequestID)
	p.mu.Unlock()
}
