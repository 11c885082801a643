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

package core

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	dexproxy "github.com/meridianxyz/dexproxy"
)

var (
	nonceReserveMeter = metrics.NewRegisteredMeter("dexproxy/noncer/reserve", nil)
	nonceReleaseMeter = metrics.NewRegisteredMeter("dexproxy/noncer/release", nil)
	nonceGapMeter     = metrics.NewRegisteredMeter("dexproxy/noncer/gaps", nil)
	nonceFreeGauge    = metrics.NewRegisteredGauge("dexproxy/noncer/free", nil)
)

// NonceManagerConfig are the sync knobs of the nonce manager.
type NonceManagerConfig struct {
	SyncInterval time.Duration // cadence of background chain syncs
	SyncTimeout  time.Duration // per-sync RPC budget
}

// DefaultNonceManagerConfig is used when fields are unset or invalid.
var DefaultNonceManagerConfig = NonceManagerConfig{
	SyncInterval: 5 * time.Second,
	SyncTimeout:  4 * time.Second,
}

func (c NonceManagerConfig) sanitize(logger log.Logger) NonceManagerConfig {
	cfg := c
	if cfg.SyncInterval <= 0 {
		logger.Warn("Sanitizing invalid noncer sync interval", "provided", cfg.SyncInterval, "updated", DefaultNonceManagerConfig.SyncInterval)
		cfg.SyncInterval = DefaultNonceManagerConfig.SyncInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultNonceManagerConfig.SyncTimeout
	}
	return cfg
}

// NonceManager allocates transaction nonces for one signing account. It
// hands out the lowest free nonce first, recycles contiguous releases back
// into next, and periodically reconciles against the chain.
//
// All methods are safe for concurrent use.
type NonceManager struct {
	cfg     NonceManagerConfig
	log     log.Logger
	source  dexproxy.NonceSource
	account common.Address

	mu         sync.Mutex
	next       uint64
	free       *treeset.Set // ascending set of released nonces, all < next
	prevLatest uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewNonceManager creates a manager for account backed by source. A nil
// source disables chain syncs; allocation still works from local state.
func NewNonceManager(cfg NonceManagerConfig, source dexproxy.NonceSource, account common.Address, logger log.Logger) *NonceManager {
	logger = logger.New("account", account)
	return &NonceManager{
		cfg:     cfg.sanitize(logger),
		log:     logger,
		source:  source,
		account: account,
		free:    treeset.NewWith(utils.UInt64Comparator),
		quit:    make(chan struct{}),
	}
}

// Start launches the background sync loop. The first sync runs immediately
// so allocations after Start observe the chain state.
func (nm *NonceManager) Start() {
	nm.wg.Add(1)
	go nm.syncLoop()
}

// Stop terminates the sync loop and waits for it to exit.
func (nm *NonceManager) Stop() {
	close(nm.quit)
	nm.wg.Wait()
}

func (nm *NonceManager) syncLoop() {
	defer nm.wg.Done()

	nm.syncOnce()
	ticker := time.NewTicker(nm.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nm.syncOnce()
		case <-nm.quit:
			return
		}
	}
}

func (nm *NonceManager) syncOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), nm.cfg.SyncTimeout)
	defer cancel()
	if err := nm.Sync(ctx); err != nil {
		nm.log.Debug("Nonce sync failed, keeping local state", "err", err)
	}
}

// Reserve hands out the next nonce: the smallest free one if any exist,
// otherwise next (which is then advanced).
func (nm *NonceManager) Reserve() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonceReserveMeter.Mark(1)
	if !nm.free.Empty() {
		it := nm.free.Iterator()
		it.First()
		n := it.Value().(uint64)
		nm.free.Remove(n)
		nonceFreeGauge.Update(int64(nm.free.Size()))
		return n
	}
	n := nm.next
	nm.next++
	return n
}

// Release returns a reserved nonce that will never be consumed (cancelled
// before submission, or replaced). Releasing next-1 shrinks next instead of
// growing the free set, recursively absorbing contiguous frees.
func (nm *NonceManager) Release(n uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if n >= nm.next {
		// Never handed out; nothing to record.
		return
	}
	nonceReleaseMeter.Mark(1)
	if n+1 == nm.next {
		nm.next = n
		for nm.next > 0 && nm.free.Contains(nm.next - 1) {
			nm.free.Remove(nm.next - 1)
			nm.next--
		}
	} else {
		nm.free.Add(n)
	}
	nonceFreeGauge.Update(int64(nm.free.Size()))
}

// Sync reconciles local state with the chain's latest and pending nonces.
// Failures keep the last-known state; allocation continues regardless.
func (nm *NonceManager) Sync(ctx context.Context) error {
	if nm.source == nil {
		return nil
	}
	latest, err := nm.source.NonceAt(ctx, nm.account)
	if err != nil {
		return err
	}
	pending, err := nm.source.PendingNonceAt(ctx, nm.account)
	if err != nil {
		return err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	if latest > nm.next {
		nm.next = latest
	}
	if latest < pending {
		// There are transactions in flight. If the chain's next expected
		// nonce sits in our free set, or the chain made no progress since
		// the previous sync, the account is gapped or stuck on it.
		if nm.free.Contains(latest) || latest == nm.prevLatest {
			nonceGapMeter.Mark(1)
			nm.log.Warn("Nonce gap detected", "latest", latest, "pending", pending, "free", nm.free.Size())
			nm.free.Remove(latest)
		}
	}
	// Frees below latest were consumed on chain; drop them.
	for !nm.free.Empty() {
		it := nm.free.Iterator()
		it.First()
		n := it.Value().(uint64)
		if n >= latest {
			break
		}
		nm.free.Remove(n)
	}
	nm.prevLatest = latest
	nonceFreeGauge.Update(int64(nm.free.Size()))
	return nil
}

// SetFloor raises next to at least floor. Used at startup to resume past
// nonces already referenced by reloaded requests.
func (nm *NonceManager) SetFloor(floor uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if floor > nm.next {
		nm.next = floor
	}
}

// NextNonce returns the value the next fresh allocation would use if the
// free set is empty.
func (nm *NonceManager) NextNonce() uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.next
}

// FreeNonces snapshots the free set in ascending order.
func (nm *NonceManager) FreeNonces() []uint64 {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	out := make([]uint64, 0, nm.free.Size())
	it := nm.free.Iterator()
	for it.Next() {
		out = append(out, it.Value().(uint64))
	}
	return out
}
