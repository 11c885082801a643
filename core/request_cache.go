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

// Package core implements the request cache, the nonce manager, the gas
// replacement policy and the error classifier of the proxy.
package core

import (
	"container/list"
	"fmt"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core/types"
)

var (
	cacheAddMeter       = metrics.NewRegisteredMeter("dexproxy/cache/add", nil)
	cacheDuplicateMeter = metrics.NewRegisteredMeter("dexproxy/cache/duplicate", nil)
	cacheFinaliseMeter  = metrics.NewRegisteredMeter("dexproxy/cache/finalise", nil)
	cacheTradeMeter     = metrics.NewRegisteredMeter("dexproxy/cache/trades", nil)
	cachePersistErrCtr  = metrics.NewRegisteredCounter("dexproxy/cache/persisterrors", nil)
	cacheOpenGauge      = metrics.NewRegisteredGauge("dexproxy/cache/open", nil)
	cacheRetainedGauge  = metrics.NewRegisteredGauge("dexproxy/cache/retained", nil)
)

// StorageWriter mirrors externally visible request mutations into a
// persistent store with at-least-once semantics. Implementations live in
// core/rawdb; a nil writer disables persistence.
type StorageWriter interface {
	PutRequest(req *types.Request) error
}

// CacheConfig are the tuning knobs of the request cache.
type CacheConfig struct {
	RetainFinalised int           // finalised requests kept for idempotent lookups
	InsertTimeout   time.Duration // NEW requests older than this are failed by the sweep
	SweepInterval   time.Duration // cadence of the stuck-request sweep
	ReportInterval  time.Duration // cadence of the stats log line
}

// DefaultCacheConfig is used when fields are unset or invalid.
var DefaultCacheConfig = CacheConfig{
	RetainFinalised: 4096,
	InsertTimeout:   30 * time.Second,
	SweepInterval:   5 * time.Second,
	ReportInterval:  8 * time.Second,
}

func (c CacheConfig) sanitize(logger log.Logger) CacheConfig {
	cfg := c
	if cfg.RetainFinalised < 1 {
		logger.Warn("Sanitizing invalid cache retention", "provided", cfg.RetainFinalised, "updated", DefaultCacheConfig.RetainFinalised)
		cfg.RetainFinalised = DefaultCacheConfig.RetainFinalised
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultCacheConfig.InsertTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultCacheConfig.SweepInterval
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultCacheConfig.ReportInterval
	}
	return cfg
}

// dispatchItem is one unit of ordered post-mutation work: an optional
// persistence write followed by an optional event publication. A single
// dispatcher goroutine drains these in mutation order, which is what gives
// subscribers monotone per-request transitions.
type dispatchItem struct {
	write *types.Request
	event *types.Event
}

// RequestCache stores every live request and a bounded window of finalised
// ones, indexed for the lookups the verbs and the poller need. All mutation
// goes through its methods and is serialised by the internal lock; readers
// only ever receive copies.
type RequestCache struct {
	cfg    CacheConfig
	log    log.Logger
	writer StorageWriter

	mu        sync.RWMutex
	byID      map[string]*types.Request
	byNonce   map[uint64]string
	byExch    map[string]string
	byKind    map[types.Kind]mapset.Set[string] // guarded by mu
	finalised *lru.Cache[string, *types.Request]

	queue *list.List // of dispatchItem, guarded by mu
	kick  chan struct{}

	feed  event.FeedOf[types.Event]
	scope event.SubscriptionScope

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRequestCache creates an empty cache. writer may be nil.
func NewRequestCache(cfg CacheConfig, writer StorageWriter, logger log.Logger) *RequestCache {
	logger = logger.New("component", "cache")
	cfg = cfg.sanitize(logger)

	retained, _ := lru.New[string, *types.Request](cfg.RetainFinalised)
	c := &RequestCache{
		cfg:       cfg,
		log:       logger,
		writer:    writer,
		byID:      make(map[string]*types.Request),
		byNonce:   make(map[uint64]string),
		byExch:    make(map[string]string),
		byKind:    make(map[types.Kind]mapset.Set[string]),
		finalised: retained,
		queue:     list.New(),
		kick:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	for _, kind := range types.Kinds() {
		c.byKind[kind] = mapset.NewThreadUnsafeSet[string]()
	}
	return c
}

// Start launches the dispatcher, the stuck-request sweep and the stats
// reporter.
func (c *RequestCache) Start() {
	c.wg.Add(2)
	go c.dispatchLoop()
	go c.maintenanceLoop()
}

// Stop drains pending dispatch work and terminates the loops. Event
// subscriptions are closed afterwards.
func (c *RequestCache) Stop() {
	close(c.quit)
	c.wg.Wait()
	c.scope.Close()
}

// SubscribeEvents registers ch for every request event the cache emits. The
// subscription is tracked and closed by Stop.
func (c *RequestCache) SubscribeEvents(ch chan<- types.Event) event.Subscription {
	return c.scope.Track(c.feed.Subscribe(ch))
}

// Add inserts a fresh request. A client request id seen before, live or
// retained, is rejected with a DUPLICATE_REQUEST carrying the "already
// known" phrase; the cache is left untouched.
func (c *RequestCache) Add(req *types.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := req.ClientRequestID
	if id == "" {
		return NewDomainError(CodeInvalidRequest, "missing client_request_id")
	}
	if _, ok := c.byID[id]; ok {
		cacheDuplicateMeter.Mark(1)
		return DuplicateRequestError(id)
	}
	if c.finalised.Contains(id) {
		cacheDuplicateMeter.Mark(1)
		return DuplicateRequestError(id)
	}
	c.byID[id] = req
	c.kindSet(req.Kind).Add(id)
	cacheAddMeter.Mark(1)
	cacheOpenGauge.Update(int64(len(c.byID)))

	c.log.Debug("Cached new request", "id", id, "kind", req.Kind)
	c.enqueue(dispatchItem{write: req.Copy()})
	return nil
}

// Reload seeds the cache from persisted records at startup: non-terminal
// requests rejoin the active indices, terminal ones go straight into the
// retention window. No events are emitted and nothing is written back.
func (c *RequestCache) Reload(reqs []*types.Request) (active, terminal int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, req := range reqs {
		id := req.ClientRequestID
		if id == "" {
			continue
		}
		if req.Terminal() {
			c.finalised.Add(id, req)
			terminal++
			continue
		}
		if _, ok := c.byID[id]; ok {
			continue
		}
		c.byID[id] = req
		c.kindSet(req.Kind).Add(id)
		if req.Nonce != nil {
			c.byNonce[*req.Nonce] = id
		}
		if o := req.Order(); o != nil && o.ExchangeOrderID != "" {
			c.byExch[o.ExchangeOrderID] = id
		}
		active++
	}
	cacheOpenGauge.Update(int64(len(c.byID)))
	cacheRetainedGauge.Update(int64(c.finalised.Len()))
	return active, terminal
}

// Get returns a copy of the request with the given client id, live or
// retained.
func (c *RequestCache) Get(clientRequestID string) (*types.Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if r, ok := c.byID[clientRequestID]; ok {
		return r.Copy(), true
	}
	if r, ok := c.finalised.Get(clientRequestID); ok {
		return r.Copy(), true
	}
	return nil, false
}

// GetByExchangeOrderID resolves a live request through its exchange order id.
func (c *RequestCache) GetByExchangeOrderID(exchangeOrderID string) (*types.Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byExch[exchangeOrderID]
	if !ok {
		return nil, false
	}
	return c.byID[id].Copy(), true
}

// GetByNonce resolves a live on-chain request through its nonce.
func (c *RequestCache) GetByNonce(nonce uint64) (*types.Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byNonce[nonce]
	if !ok {
		return nil, false
	}
	return c.byID[id].Copy(), true
}

// Open returns copies of all live requests of the given kind; the empty
// kind selects every live request.
func (c *RequestCache) Open(kind types.Kind) []*types.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*types.Request
	if kind == "" {
		for _, r := range c.byID {
			out = append(out, r.Copy())
		}
		return out
	}
	set, ok := c.byKind[kind]
	if !ok {
		return nil
	}
	set.Each(func(id string) bool {
		out = append(out, c.byID[id].Copy())
		return false
	})
	return out
}

// OpenCount returns the number of live requests.
func (c *RequestCache) OpenCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// FinalisedCount returns the number of retained finalised requests.
func (c *RequestCache) FinalisedCount() int {
	return c.finalised.Len()
}

// MaxNonce returns the highest nonce referenced by any known request, live
// or retained. Used at startup so fresh allocations never replay one.
func (c *RequestCache) MaxNonce() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		max   uint64
		found bool
	)
	for n := range c.byNonce {
		if !found || n > max {
			max, found = n, true
		}
	}
	for _, id := range c.finalised.Keys() {
		if r, ok := c.finalised.Peek(id); ok && r.Nonce != nil {
			if !found || *r.Nonce > max {
				max, found = *r.Nonce, true
			}
		}
	}
	return max, found
}

// MarkSubmitted moves a NEW request to SUBMITTED, recording the transaction
// reference, the gas price paid, the consumed nonce (nil for off-chain
// exchanges) and the slot observed at acceptance.
func (c *RequestCache) MarkSubmitted(clientRequestID string, ref types.TxRef, gasPriceWei *big.Int, nonce *uint64, slot uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return dexproxy.NotFound
	}
	if !r.Status.CanAdvance(types.StatusSubmitted) {
		return fmt.Errorf("request %s cannot move %s -> %s", clientRequestID, r.Status, types.StatusSubmitted)
	}
	r.Status = types.StatusSubmitted
	r.SubmittedAt = time.Now()
	r.SubmittedSlot = slot
	if nonce != nil {
		n := *nonce
		r.Nonce = &n
		c.byNonce[n] = clientRequestID
	}
	r.RecordSubmission(ref, gasPriceWei)
	r.AwaitingReceipt = ref.Hash != (common.Hash{})

	item := dispatchItem{write: r.Copy()}
	if r.Kind != types.KindOrder {
		item.event = &types.Event{Channel: types.ChannelRequest, Data: types.NewRequestEvent(r)}
	}
	c.enqueue(item)
	return nil
}

// SetExchangeOrderID records the exchange-assigned id for an order and
// announces the acknowledged order on the ORDER channel. Re-reporting the
// same id is a no-op.
func (c *RequestCache) SetExchangeOrderID(clientRequestID, exchangeOrderID string, slot uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return dexproxy.NotFound
	}
	o := r.Order()
	if o == nil {
		return fmt.Errorf("request %s is not an order", clientRequestID)
	}
	if o.ExchangeOrderID == exchangeOrderID {
		return nil
	}
	if o.ExchangeOrderID != "" {
		return fmt.Errorf("request %s already has exchange order id %s", clientRequestID, o.ExchangeOrderID)
	}
	o.ExchangeOrderID = exchangeOrderID
	c.byExch[exchangeOrderID] = clientRequestID
	if slot > 0 && r.SubmittedSlot == 0 {
		r.SubmittedSlot = slot
	}

	c.log.Debug("Order acknowledged by exchange", "id", clientRequestID, "exchange_order_id", exchangeOrderID)
	c.enqueue(dispatchItem{
		write: r.Copy(),
		event: &types.Event{Channel: types.ChannelOrder, Data: types.NewOrderEvent(r)},
	})
	return nil
}

// ApplyTrade applies a fill exactly once, publishes it on the TRADE channel
// and finalises the order as EXPIRED when it became fully filled.
func (c *RequestCache) ApplyTrade(clientRequestID string, t types.Trade) (applied bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return false, dexproxy.NotFound
	}
	o := r.Order()
	if o == nil {
		return false, fmt.Errorf("request %s is not an order", clientRequestID)
	}
	if r.Terminal() {
		return false, nil
	}
	applied, err = o.ApplyTrade(t)
	if err != nil || !applied {
		return applied, err
	}
	cacheTradeMeter.Mark(1)
	c.enqueue(dispatchItem{
		write: r.Copy(),
		event: &types.Event{Channel: types.ChannelTrade, Data: types.NewTradeEvent(r, t)},
	})
	if o.Filled() {
		c.finaliseLocked(r, types.StatusExpired, types.ReasonNone)
	}
	return true, nil
}

// MarkMined records a confirmed placing transaction: the receipt wait flag
// clears and a SUBMITTED request advances to MINED. Status is otherwise
// untouched.
func (c *RequestCache) MarkMined(clientRequestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return dexproxy.NotFound
	}
	r.AwaitingReceipt = false
	if r.Status == types.StatusSubmitted {
		r.Status = types.StatusMined
	}
	c.enqueue(dispatchItem{write: r.Copy()})
	return nil
}

// SetIntent records a cancel or amend wish on a live request.
func (c *RequestCache) SetIntent(clientRequestID string, intent types.Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return dexproxy.NotFound
	}
	if r.Terminal() {
		return fmt.Errorf("request %s is already %s", clientRequestID, r.Status)
	}
	r.Intent = intent
	c.enqueue(dispatchItem{write: r.Copy()})
	return nil
}

// RecordReplacement attaches a replacement transaction (cancel or amend) and
// its bumped gas price, and flags the request as waiting for the new receipt.
// The bump rule is enforced here, under the lock, against the request's
// current price: two racing replacements validated against the same stale
// snapshot cannot both land, the second fails with ErrBumpTooLow.
func (c *RequestCache) RecordReplacement(clientRequestID string, ref types.TxRef, gasPriceWei *big.Int, intent types.Intent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		return dexproxy.NotFound
	}
	if r.Terminal() {
		return fmt.Errorf("request %s is already %s", clientRequestID, r.Status)
	}
	if gasPriceWei != nil {
		if last := r.LastGasPrice(); last != nil {
			if threshold := BumpThreshold(last); gasPriceWei.Cmp(threshold) < 0 {
				return fmt.Errorf("%w: %s < %s", ErrBumpTooLow, gasPriceWei, threshold)
			}
		}
	}
	r.Intent = intent
	r.RecordSubmission(ref, gasPriceWei)
	if ref.Hash != (common.Hash{}) {
		r.AwaitingReceipt = true
	}
	c.enqueue(dispatchItem{write: r.Copy()})
	return nil
}

// Finalise drives a request into a terminal status, detaches it from the
// active indices and publishes the final event. Finalising an already
// terminal request is a no-op; the first terminal state wins.
func (c *RequestCache) Finalise(clientRequestID string, status types.Status, reason types.Reason) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.byID[clientRequestID]
	if !ok {
		if c.finalised.Contains(clientRequestID) {
			return false, nil
		}
		return false, dexproxy.NotFound
	}
	if r.Terminal() {
		return false, nil
	}
	if !status.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	c.finaliseLocked(r, status, reason)
	return true, nil
}

// finaliseLocked applies the terminal transition. Callers hold c.mu and have
// verified the request is live and non-terminal.
func (c *RequestCache) finaliseLocked(r *types.Request, status types.Status, reason types.Reason) {
	r.Status = status
	if reason != types.ReasonNone {
		r.Reason = reason
	}
	r.FinalisedAt = time.Now()
	r.AwaitingReceipt = false

	id := r.ClientRequestID
	delete(c.byID, id)
	c.kindSet(r.Kind).Remove(id)
	if r.Nonce != nil {
		delete(c.byNonce, *r.Nonce)
	}
	if o := r.Order(); o != nil && o.ExchangeOrderID != "" {
		delete(c.byExch, o.ExchangeOrderID)
	}
	c.finalised.Add(id, r)

	cacheFinaliseMeter.Mark(1)
	cacheOpenGauge.Update(int64(len(c.byID)))
	cacheRetainedGauge.Update(int64(c.finalised.Len()))
	c.log.Debug("Request finalised", "id", id, "status", status, "reason", reason)

	item := dispatchItem{write: r.Copy()}
	if r.Kind == types.KindOrder {
		item.event = &types.Event{Channel: types.ChannelOrder, Data: types.NewOrderEvent(r)}
	} else {
		item.event = &types.Event{Channel: types.ChannelRequest, Data: types.NewRequestEvent(r)}
	}
	c.enqueue(item)
}

// kindSet returns the id bucket for kind, creating it for kinds the
// constructor did not know. Callers hold c.mu for writing.
func (c *RequestCache) kindSet(kind types.Kind) mapset.Set[string] {
	set, ok := c.byKind[kind]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		c.byKind[kind] = set
	}
	return set
}

// enqueue appends post-mutation work for the dispatcher. Callers hold c.mu,
// which is what serialises queue order with mutation order.
func (c *RequestCache) enqueue(item dispatchItem) {
	c.queue.PushBack(item)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the work queue: persistence first, then the event
// publication. A single goroutine preserves per-request ordering end to end.
func (c *RequestCache) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.kick:
			c.drain()
		case <-c.quit:
			c.drain()
			return
		}
	}
}

func (c *RequestCache) drain() {
	for {
		c.mu.Lock()
		front := c.queue.Front()
		if front == nil {
			c.mu.Unlock()
			return
		}
		c.queue.Remove(front)
		c.mu.Unlock()

		item := front.Value.(dispatchItem)
		if item.write != nil && c.writer != nil {
			if err := c.writer.PutRequest(item.write); err != nil {
				cachePersistErrCtr.Inc(1)
				c.log.Error("Failed to persist request", "id", item.write.ClientRequestID, "err", err)
			}
		}
		if item.event != nil {
			c.feed.Send(*item.event)
		}
	}
}

// maintenanceLoop hosts the stuck-request sweep and the periodic stats line.
func (c *RequestCache) maintenanceLoop() {
	defer c.wg.Done()

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()
	report := time.NewTicker(c.cfg.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-sweep.C:
			c.sweepStuck()
		case <-report.C:
			c.mu.RLock()
			open, queued := len(c.byID), c.queue.Len()
			c.mu.RUnlock()
			c.log.Debug("Request cache status", "open", open, "retained", c.finalised.Len(), "queued", queued)
		case <-c.quit:
			return
		}
	}
}

// sweepStuck fails requests that sat in NEW past the insert timeout. A
// request only stays NEW when its submit call never came back, so the
// failure is classified as a transport problem.
func (c *RequestCache) sweepStuck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.cfg.InsertTimeout)
	var stuck []*types.Request
	for _, r := range c.byID {
		if r.Status == types.StatusNew && r.ReceivedAt.Before(cutoff) {
			stuck = append(stuck, r)
		}
	}
	for _, r := range stuck {
		c.log.Warn("Failing request stuck in NEW", "id", r.ClientRequestID, "age", time.Since(r.ReceivedAt))
		c.finaliseLocked(r, types.StatusFailed, types.ReasonTransportFailure)
	}
}
