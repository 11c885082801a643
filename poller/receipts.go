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

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core/types"
)

// pollPlaceTransactions confirms or rejects the transactions of every
// request still waiting on a receipt. Idle when the adapter cannot read
// receipts.
func (p *Poller) pollPlaceTransactions(ctx context.Context) error {
	if p.receipts == nil {
		return nil
	}
	var waiting []*types.Request
	for _, req := range p.cache.Open("") {
		if ref, ok := req.LastTxRef(); req.AwaitingReceipt && ok && ref.Hash != (common.Hash{}) {
			waiting = append(waiting, req)
		}
	}
	if len(waiting) == 0 {
		return nil
	}

	defer func(start time.Time) { receiptBatchTimer.UpdateSince(start) }(time.Now())

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, req := range waiting {
		req := req
		g.Go(func() error { return p.checkReceipts(ctx, req) })
	}
	return g.Wait()
}

// checkReceipts looks up every unconfirmed transaction of a request. When
// more than one confirmed (a replacement raced the original through a
// reorg), the receipt from the highest block wins.
func (p *Poller) checkReceipts(ctx context.Context, req *types.Request) error {
	var (
		best    *dexproxy.Receipt
		bestRef types.TxRef
	)
	for _, ref := range req.TxRefs {
		if ref.Hash == (common.Hash{}) {
			continue
		}
		receipt, err := p.receipts.TransactionReceipt(ctx, ref.Hash)
		if errors.Is(err, dexproxy.NotFound) {
			continue
		}
		if err != nil {
			return err
		}
		p.ObserveSlot(receipt.Slot)
		if best == nil || receipt.BlockNumber > best.BlockNumber {
			best, bestRef = receipt, ref
		}
	}
	if best != nil {
		p.applyReceipt(req, bestRef, best)
	}
	return nil
}

// applyReceipt folds one confirmed receipt into the request state.
//
// A success clears the receipt wait; what else it means depends on the
// transaction's purpose: a mined cancel closes the request as CANCELLED, a
// mined submit of a utility verb (approve, transfer, wrap, bridge)
// completes it as SUCCEEDED, and a mined order placement just waits for the
// exchange records. A revert classifies the chain's explanation and rejects
// the request; late receipts against terminal requests are no-ops inside
// the cache.
func (p *Poller) applyReceipt(req *types.Request, ref types.TxRef, receipt *dexproxy.Receipt) {
	id := req.ClientRequestID
	if receipt.Status == dexproxy.ReceiptStatusReverted {
		reason := p.classifier.Classify(receipt.Reason)
		p.log.Debug("Transaction reverted", "id", id, "tx", ref.String(), "reason", reason)
		if _, err := p.cache.Finalise(id, types.StatusRejected, reason); err != nil {
			p.log.Debug("Failed to finalise reverted request", "id", id, "err", err)
		}
		p.forget(id)
		return
	}

	switch {
	case ref.Purpose == types.PurposeCancel:
		if _, err := p.cache.Finalise(id, types.StatusCancelled, types.ReasonNone); err != nil {
			p.log.Debug("Failed to finalise cancelled request", "id", id, "err", err)
		}
		p.forget(id)
	case req.Kind != types.KindOrder:
		if err := p.cache.MarkMined(id); err == nil {
			if _, err := p.cache.Finalise(id, types.StatusSucceeded, types.ReasonNone); err != nil {
				p.log.Debug("Failed to finalise mined request", "id", id, "err", err)
			}
		}
		p.forget(id)
	default:
		if err := p.cache.MarkMined(id); err != nil {
			p.log.Debug("Failed to mark request mined", "id", id, "err", err)
		}
	}
}
