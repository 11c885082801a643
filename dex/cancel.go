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

package dex

import (
	"context"
	"errors"
	"math/big"
	"time"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/types"
)

// CancelAllResult aggregates a cancel-all sweep.
type CancelAllResult struct {
	Cancelled       []string          `json:"cancelled"`
	Failed          map[string]string `json:"failed,omitempty"`
	SendTimestampNs int64             `json:"send_timestamp_ns"`
}

// CancelOrder requests cancellation of a live order. On-chain backends get
// a gas price bumped over the last used one; a cancel already in flight at
// that price or better short-circuits into a no-op.
func (b *Backend) CancelOrder(ctx context.Context, clientOrderID string) (*SubmitResult, error) {
	req, ok := b.cache.Get(clientOrderID)
	if !ok || req.Kind != types.KindOrder || req.Terminal() {
		return nil, core.NewDomainError(core.CodeOrderNotFound, "order %s not found", clientOrderID)
	}
	target, err := b.cancelGasTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.cancelWith(ctx, req, target)
}

// cancelWith performs the adapter cancel at the given gas target and
// records the replacement. A nil target means an off-chain cancel.
func (b *Backend) cancelWith(ctx context.Context, req *types.Request, target *big.Int) (*SubmitResult, error) {
	id := req.ClientRequestID
	if b.replacementInFlight(req, types.IntentCancel, target) {
		b.log.Debug("Cancel already in flight", "id", id, "gas", target)
		return &SubmitResult{ClientRequestID: id}, nil
	}

	sub, err := b.adapter.CancelOrder(ctx, req, target)
	if err != nil {
		if derr, ok := notSupported(err); ok {
			return nil, derr
		}
		reason := b.classifier.ClassifyErr(err)
		return nil, &core.DomainError{Code: core.ErrorCode(reason), Message: err.Error()}
	}
	return b.recordReplacement(req, sub, target, types.IntentCancel, types.PurposeCancel)
}

// AmendRequest bumps the gas of a live request's standing transaction. The
// proposed price must clear both the 10% replacement threshold and the
// configured cap.
func (b *Backend) AmendRequest(ctx context.Context, clientRequestID string, newGas *big.Int) (*SubmitResult, error) {
	if newGas == nil {
		return nil, core.NewDomainError(core.CodeInvalidRequest, "missing gas_price_wei")
	}
	req, ok := b.cache.Get(clientRequestID)
	if !ok || req.Terminal() {
		return nil, core.NewDomainError(core.CodeOrderNotFound, "request %s not found", clientRequestID)
	}
	if err := b.gasPolicy.CheckBump(req.LastGasPrice(), newGas); err != nil {
		switch {
		case errors.Is(err, core.ErrGasCapExceeded):
			return nil, core.WrapDomainError(core.CodeGasCapExceeded, err)
		default:
			return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
		}
	}
	if b.replacementInFlight(req, types.IntentAmend, newGas) {
		b.log.Debug("Amend already in flight", "id", clientRequestID, "gas", newGas)
		return &SubmitResult{ClientRequestID: clientRequestID}, nil
	}

	sub, err := b.amendCall(ctx, req, newGas)
	if err != nil {
		if derr, ok := notSupported(err); ok {
			return nil, derr
		}
		reason := b.classifier.ClassifyErr(err)
		return nil, &core.DomainError{Code: core.ErrorCode(reason), Message: err.Error()}
	}
	return b.recordReplacement(req, sub, newGas, types.IntentAmend, types.PurposeAmend)
}

// amendCall routes the replacement to the right adapter verb: orders go
// through AmendOrder, utility requests re-submit through their chain verb
// with the nonce they already hold.
func (b *Backend) amendCall(ctx context.Context, req *types.Request, newGas *big.Int) (*dexproxy.Submission, error) {
	if req.Kind == types.KindOrder {
		return b.adapter.AmendOrder(ctx, req, newGas)
	}
	if b.chainVerbs == nil {
		return nil, dexproxy.ErrNotSupported
	}
	switch req.Kind {
	case types.KindApprove:
		return b.chainVerbs.SubmitApproval(ctx, req, newGas)
	case types.KindTransfer:
		return b.chainVerbs.SubmitTransfer(ctx, req, newGas)
	case types.KindWrapUnwrap:
		return b.chainVerbs.SubmitWrapUnwrap(ctx, req, newGas)
	case types.KindBridge:
		return b.chainVerbs.SubmitBridge(ctx, req, newGas)
	default:
		return nil, dexproxy.ErrNotSupported
	}
}

// CancelRequest cancels a live request of any kind. Orders go through the
// exchange cancel; utility requests that already consumed a nonce are
// cancelled with a replacement transaction on the same nonce.
func (b *Backend) CancelRequest(ctx context.Context, clientRequestID string, gas *big.Int) (*SubmitResult, error) {
	req, ok := b.cache.Get(clientRequestID)
	if !ok || req.Terminal() {
		return nil, core.NewDomainError(core.CodeOrderNotFound, "request %s not found", clientRequestID)
	}
	if req.Kind == types.KindOrder {
		return b.CancelOrder(ctx, clientRequestID)
	}
	if req.Status == types.StatusNew {
		// Nothing was sent yet, the request can die locally.
		if _, err := b.cache.Finalise(clientRequestID, types.StatusCancelled, types.ReasonNone); err != nil {
			return nil, err
		}
		return &SubmitResult{ClientRequestID: clientRequestID}, nil
	}
	if req.Nonce == nil || b.txCanceller == nil {
		return nil, core.NewDomainError(core.CodeNotSupported, "request %s cannot be cancelled on %s", clientRequestID, b.adapter.Name())
	}

	target, err := b.cancelGasTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if gas != nil && (target == nil || gas.Cmp(target) > 0) {
		if err := b.gasPolicy.CheckCap(gas); err != nil {
			return nil, core.WrapDomainError(core.CodeGasCapExceeded, err)
		}
		target = gas
	}
	if b.replacementInFlight(req, types.IntentCancel, target) {
		return &SubmitResult{ClientRequestID: clientRequestID}, nil
	}

	sub, err := b.txCanceller.CancelTransaction(ctx, *req.Nonce, target)
	if err != nil {
		if derr, ok := notSupported(err); ok {
			return nil, derr
		}
		reason := b.classifier.ClassifyErr(err)
		return nil, &core.DomainError{Code: core.ErrorCode(reason), Message: err.Error()}
	}
	return b.recordReplacement(req, sub, target, types.IntentCancel, types.PurposeCancel)
}

// CancelAllOrders sweeps every live order with a fast-priority cancel.
// Orders whose most recent cancel intent already meets the per-order target
// price are counted as cancelled without another submission.
func (b *Backend) CancelAllOrders(ctx context.Context) (*CancelAllResult, error) {
	var fast *big.Int
	if b.gasPricer != nil {
		price, err := b.gasPricer.SuggestGasPrice(ctx)
		if err != nil {
			b.log.Warn("Fast gas price unavailable for cancel-all", "err", err)
		} else {
			fast = price
		}
	}

	result := &CancelAllResult{Cancelled: []string{}}
	for _, req := range b.cache.Open(types.KindOrder) {
		id := req.ClientRequestID
		target := replacementTarget(req, fast)
		if target != nil {
			if err := b.gasPolicy.CheckCap(target); err != nil {
				b.fail(result, id, err)
				continue
			}
		}
		if _, err := b.cancelWith(ctx, req, target); err != nil {
			b.fail(result, id, err)
			continue
		}
		result.Cancelled = append(result.Cancelled, id)
	}
	result.SendTimestampNs = time.Now().UnixNano()
	return result, nil
}

func (b *Backend) fail(result *CancelAllResult, id string, err error) {
	b.log.Warn("Cancel-all entry failed", "id", id, "err", err)
	if result.Failed == nil {
		result.Failed = make(map[string]string)
	}
	result.Failed[id] = err.Error()
}

// cancelGasTarget computes the price a replacement cancel must pay: the
// bump threshold over the last used price, raised to the fast-priority
// suggestion when one is available. Nil for requests that never paid gas.
func (b *Backend) cancelGasTarget(ctx context.Context, req *types.Request) (*big.Int, error) {
	var fast *big.Int
	if b.gasPricer != nil {
		price, err := b.gasPricer.SuggestGasPrice(ctx)
		if err == nil {
			fast = price
		}
	}
	target := replacementTarget(req, fast)
	if target != nil {
		if err := b.gasPolicy.CheckCap(target); err != nil {
			return nil, core.WrapDomainError(core.CodeGasCapExceeded, err)
		}
	}
	return target, nil
}

// replacementTarget is max(bump threshold over the last used price, fast).
func replacementTarget(req *types.Request, fast *big.Int) *big.Int {
	var target *big.Int
	if last := req.LastGasPrice(); last != nil {
		target = core.BumpThreshold(last)
	}
	if fast != nil && (target == nil || fast.Cmp(target) > 0) {
		target = fast
	}
	return target
}

// replacementInFlight reports whether a replacement with the given intent
// was already sent at a price at least as good as target.
func (b *Backend) replacementInFlight(req *types.Request, intent types.Intent, target *big.Int) bool {
	if req.Intent != intent {
		return false
	}
	if target == nil {
		return true
	}
	last := req.LastGasPrice()
	return last != nil && last.Cmp(target) >= 0
}

// recordReplacement books a sent replacement transaction on the request.
// The cache re-validates the bump against the request's current price; a
// replacement that lost a race to a concurrent one fails here the same way
// the handler pre-check fails a stale proposal.
func (b *Backend) recordReplacement(req *types.Request, sub *dexproxy.Submission, target *big.Int, intent types.Intent, purpose types.TxPurpose) (*SubmitResult, error) {
	id := req.ClientRequestID
	gas := sub.GasPriceWei
	if gas == nil {
		gas = target
	}
	ref := types.TxRef{Hash: sub.TxHash, Sig: sub.PlaceTxSig, Purpose: purpose}
	if err := b.cache.RecordReplacement(id, ref, gas, intent); err != nil {
		if errors.Is(err, core.ErrBumpTooLow) {
			return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
		}
		return nil, err
	}
	b.poll.ObserveSlot(sub.Slot)
	return &SubmitResult{
		ClientRequestID: id,
		TxHash:          hashString(sub.TxHash),
		PlaceTxSig:      sub.PlaceTxSig,
	}, nil
}
