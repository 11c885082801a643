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

package poller

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core/types"
)

// marketKey groups order-record lookups so that one adapter call serves
// every pending order of a market.
type marketKey struct {
	symbol string
	market types.MarketType
}

// pollOrderRecords resolves exchange order ids for submitted orders the
// exchange has not acknowledged yet, and fires the insert deadline for the
// ones it never will.
func (p *Poller) pollOrderRecords(ctx context.Context) error {
	var (
		now     = time.Now()
		pending = make(map[marketKey][]*types.Request)
		count   int
	)
	for _, req := range p.cache.Open(types.KindOrder) {
		o := req.Order()
		if o.ExchangeOrderID != "" || req.Status == types.StatusNew {
			continue
		}
		if p.checkInsertDeadline(req, now) {
			continue
		}
		if now.Sub(req.SubmittedAt) < p.cfg.DelayAfterSubmit {
			continue
		}
		key := marketKey{symbol: o.Symbol, market: o.MarketType}
		pending[key] = append(pending[key], req)
		count++
	}
	if count == 0 {
		return nil
	}

	defer func(start time.Time) { recordBatchTimer.UpdateSince(start) }(time.Now())

	if p.lookup != nil {
		return p.lookupByClientID(ctx, pending)
	}
	return p.scanMarkets(ctx, pending)
}

// lookupByClientID is the fast path for adapters that resolve single client
// order ids directly.
func (p *Poller) lookupByClientID(ctx context.Context, pending map[marketKey][]*types.Request) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, reqs := range pending {
		for _, req := range reqs {
			req := req
			g.Go(func() error {
				rec, err := p.lookup.OrderByClientID(ctx, req.ClientRequestID)
				if errors.Is(err, dexproxy.NotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				p.applyOrderRecord(*rec)
				return nil
			})
		}
	}
	return g.Wait()
}

// scanMarkets issues one paginated record scan per market, bounded by the
// earliest pending submission slot of that market.
func (p *Poller) scanMarkets(ctx context.Context, pending map[marketKey][]*types.Request) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for key, reqs := range pending {
		key, reqs := key, reqs
		g.Go(func() error {
			earliest := reqs[0].SubmittedSlot
			for _, req := range reqs[1:] {
				if req.SubmittedSlot < earliest {
					earliest = req.SubmittedSlot
				}
			}
			return p.scanMarket(ctx, key, earliest)
		})
	}
	return g.Wait()
}

func (p *Poller) scanMarket(ctx context.Context, key marketKey, sinceSlot uint64) error {
	page := dexproxy.Page{Limit: p.cfg.PageLimit}
	for {
		recs, err := p.adapter.OrderRecords(ctx, key.symbol, string(key.market), sinceSlot, page)
		if err != nil {
			return err
		}
		for _, rec := range recs.Records {
			p.applyOrderRecord(rec)
		}
		// Older pages can only hold records from before every pending
		// submission; stop as soon as the page bottom passes the earliest
		// relevant slot.
		if recs.NextCursor == "" || recs.OldestSlot < sinceSlot {
			return nil
		}
		page.Cursor = recs.NextCursor
	}
}

// applyOrderRecord binds an exchange order id to its request and folds the
// record's slot into the chain view. Records for unknown or already bound
// ids are ignored.
func (p *Poller) applyOrderRecord(rec dexproxy.OrderRecord) {
	p.ObserveSlot(rec.Slot)
	if rec.ClientOrderID == "" || rec.ExchangeOrderID == "" {
		return
	}
	req, ok := p.cache.Get(rec.ClientOrderID)
	if !ok || req.Terminal() || req.Order() == nil {
		return
	}
	if req.Order().ExchangeOrderID != "" {
		return
	}
	if err := p.cache.SetExchangeOrderID(rec.ClientOrderID, rec.ExchangeOrderID, rec.Slot); err != nil {
		p.log.Debug("Failed to bind exchange order id", "id", rec.ClientOrderID, "err", err)
	}
}

// checkInsertDeadline rejects an order whose exchange record never showed
// up: the submission is old enough and the chain progressed past the poll
// window, so the record can no longer appear. Returns true when the request
// was finalised.
func (p *Poller) checkInsertDeadline(req *types.Request, now time.Time) bool {
	if now.Sub(req.SubmittedAt) < p.cfg.InsertFailAfter {
		return false
	}
	// Without a slot source the elapsed time is the only signal available.
	latest := p.latestSlot.Load()
	if latest > 0 && latest < req.SubmittedSlot+p.cfg.SlotWindow {
		return false
	}
	deadlineMeter.Mark(1)
	p.log.Warn("Order record never appeared, rejecting",
		"id", req.ClientRequestID, "submitted_slot", req.SubmittedSlot, "latest_slot", latest)
	if _, err := p.cache.Finalise(req.ClientRequestID, types.StatusRejected, types.ReasonTransportFailure); err != nil {
		p.log.Debug("Failed to finalise deadlined order", "id", req.ClientRequestID, "err", err)
	}
	p.forget(req.ClientRequestID)
	return true
}
