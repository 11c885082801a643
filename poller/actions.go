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
	"time"

	"golang.org/x/sync/errgroup"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core/types"
)

// pollOrderActions refreshes the action log of every acknowledged,
// non-terminal order whose last successful refresh is older than the
// configured window.
func (p *Poller) pollOrderActions(ctx context.Context) error {
	now := time.Now()
	var due []*types.Request
	for _, req := range p.cache.Open(types.KindOrder) {
		o := req.Order()
		if o.ExchangeOrderID == "" {
			continue
		}
		p.mu.Lock()
		last, ok := p.refreshed[req.ClientRequestID]
		p.mu.Unlock()
		if ok && now.Sub(last) < p.cfg.RefreshAfter {
			continue
		}
		due = append(due, req)
	}
	if len(due) == 0 {
		return nil
	}

	defer func(start time.Time) { actionBatchTimer.UpdateSince(start) }(time.Now())

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, req := range due {
		req := req
		g.Go(func() error {
			if err := p.refreshOrder(ctx, req); err != nil {
				return err
			}
			p.mu.Lock()
			p.refreshed[req.ClientRequestID] = time.Now()
			p.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// refreshOrder fetches the full relevant action log of one order and
// applies it in chronological order.
func (p *Poller) refreshOrder(ctx context.Context, req *types.Request) error {
	var (
		exchID  = req.Order().ExchangeOrderID
		page    = dexproxy.Page{Limit: p.cfg.PageLimit}
		actions []dexproxy.OrderAction
	)
	for {
		recs, err := p.adapter.OrderActionRecords(ctx, exchID, page)
		if err != nil {
			return err
		}
		actions = append(actions, recs.Actions...)
		// Pages run newest first; once the page bottom predates the
		// submission, older pages cannot concern this order.
		if recs.NextCursor == "" || recs.OldestSlot < req.SubmittedSlot {
			break
		}
		page.Cursor = recs.NextCursor
	}
	p.applyActions(req.ClientRequestID, actions)
	return nil
}

// applyActions replays an action log against the cache. Input is newest
// first and replayed in reverse so fills land in execution order. Fills are
// applied before any cancel or expiry verdict: a cancel that races a
// completing fill loses to EXPIRED because the full fill finalises first
// and terminal states are never overwritten.
func (p *Poller) applyActions(clientRequestID string, actions []dexproxy.OrderAction) {
	var (
		cancelled bool
		expired   bool
	)
	for i := len(actions) - 1; i >= 0; i-- {
		act := actions[i]
		p.ObserveSlot(act.Slot)
		switch act.Kind {
		case dexproxy.ActionFill:
			trade := types.Trade{
				TradeID:         act.TradeID,
				ExecPrice:       types.Decimal(act.Price),
				ExecQty:         types.Decimal(act.Quantity),
				Liquidity:       act.Liquidity,
				ExchTimestampNs: act.ExchTimestampNs,
			}
			if _, err := p.cache.ApplyTrade(clientRequestID, trade); err != nil {
				p.log.Warn("Dropping unappliable fill", "id", clientRequestID, "trade", act.TradeID, "err", err)
			}
		case dexproxy.ActionCancel:
			cancelled = true
		case dexproxy.ActionExpiry:
			expired = true
		case dexproxy.ActionTrigger:
			// Metadata only, no state change.
		}
	}

	if cancelled || expired {
		status := types.StatusCancelled
		if expired && !cancelled {
			status = types.StatusExpired
		}
		done, err := p.cache.Finalise(clientRequestID, status, types.ReasonNone)
		if err != nil {
			p.log.Debug("Failed to finalise order from action log", "id", clientRequestID, "err", err)
			return
		}
		if done {
			p.log.Debug("Order closed by exchange", "id", clientRequestID, "status", status)
		}
	}
	if req, ok := p.cache.Get(clientRequestID); !ok || req.Terminal() {
		p.forget(clientRequestID)
	}
}
