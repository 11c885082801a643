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

	"github.com/ethereum/go-ethereum/common"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/types"
)

// SubmitResult is the acknowledgement of a mutating verb.
type SubmitResult struct {
	ClientRequestID string `json:"client_request_id"`
	TxHash          string `json:"tx_hash,omitempty"`
	PlaceTxSig      string `json:"place_tx_sig,omitempty"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
}

// submitFunc performs the adapter call of one submission verb.
type submitFunc func(ctx context.Context, req *types.Request) (*dexproxy.Submission, error)

// submit runs the shared submission pipeline: idempotency check, validation,
// nonce reservation, the adapter call, bookkeeping, poller hand-off. Any
// error out of the adapter is classified; if no nonce was consumed the
// request fails on the spot, otherwise it is kept for the poller.
func (b *Backend) submit(ctx context.Context, req *types.Request, proposedGas *big.Int, do submitFunc) (*SubmitResult, error) {
	id := req.ClientRequestID
	if id == "" {
		return nil, core.NewDomainError(core.CodeInvalidRequest, "missing client_request_id")
	}
	if err := req.Data.Validate(); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	if proposedGas != nil {
		if err := b.gasPolicy.CheckCap(proposedGas); err != nil {
			return nil, core.WrapDomainError(core.CodeGasCapExceeded, err)
		}
	}
	if err := b.cache.Add(req); err != nil {
		return nil, err
	}

	var noncePtr *uint64
	if b.noncer != nil {
		n := b.noncer.Reserve()
		noncePtr = &n
	}
	attempt := req.Copy()
	attempt.Nonce = noncePtr

	sub, err := do(ctx, attempt)
	if err != nil {
		return nil, b.submitFailed(id, noncePtr, proposedGas, err)
	}

	gas := sub.GasPriceWei
	if gas == nil {
		gas = proposedGas
	}
	ref := types.TxRef{Hash: sub.TxHash, Sig: sub.PlaceTxSig, Purpose: types.PurposeSubmit}
	if err := b.cache.MarkSubmitted(id, ref, gas, noncePtr, sub.Slot); err != nil {
		b.log.Error("Failed to record submission", "id", id, "err", err)
		// A cancel can finalise the request while the adapter call was in
		// flight; the reserved nonce goes back to the pool instead of
		// leaking with the dead request.
		if noncePtr != nil {
			if cur, ok := b.cache.Get(id); ok && cur.Terminal() {
				b.noncer.Release(*noncePtr)
			}
		}
	}
	b.poll.ObserveSlot(sub.Slot)
	if sub.ExchangeOrderID != "" {
		if err := b.cache.SetExchangeOrderID(id, sub.ExchangeOrderID, sub.Slot); err != nil {
			b.log.Warn("Failed to record exchange order id", "id", id, "err", err)
		}
	}
	return &SubmitResult{
		ClientRequestID: id,
		TxHash:          hashString(sub.TxHash),
		PlaceTxSig:      sub.PlaceTxSig,
		ExchangeOrderID: sub.ExchangeOrderID,
	}, nil
}

// submitFailed settles a request whose adapter call errored. A consumed
// nonce keeps the request alive under that nonce so the poller and the
// replacement-cancel path can still reach it.
func (b *Backend) submitFailed(id string, noncePtr *uint64, proposedGas *big.Int, err error) error {
	reason := b.classifier.ClassifyErr(err)
	if noncePtr != nil && !dexproxy.NonceConsumed(err) {
		b.noncer.Release(*noncePtr)
		noncePtr = nil
	}
	if noncePtr == nil {
		if _, ferr := b.cache.Finalise(id, types.StatusFailed, reason); ferr != nil {
			b.log.Error("Failed to finalise failed submission", "id", id, "err", ferr)
		}
	} else {
		b.log.Warn("Submission failed after consuming nonce, leaving to poller", "id", id, "nonce", *noncePtr, "err", err)
		if merr := b.cache.MarkSubmitted(id, types.TxRef{Purpose: types.PurposeSubmit}, proposedGas, noncePtr, 0); merr != nil {
			b.log.Error("Failed to record consumed nonce", "id", id, "err", merr)
		}
	}
	return &core.DomainError{Code: core.ErrorCode(reason), Message: err.Error()}
}

// InsertOrder places a new exchange order under the client's id.
func (b *Backend) InsertOrder(ctx context.Context, clientOrderID string, order *types.Order) (*SubmitResult, error) {
	req := types.NewRequest(clientOrderID, order)
	return b.submit(ctx, req, nil, func(ctx context.Context, r *types.Request) (*dexproxy.Submission, error) {
		return b.adapter.SubmitOrder(ctx, r)
	})
}

// SubmitApproval submits a token approval. gas may be nil to let the
// adapter price the transaction.
func (b *Backend) SubmitApproval(ctx context.Context, clientRequestID string, data *types.Approve, gas *big.Int) (*SubmitResult, error) {
	if b.chainVerbs == nil {
		return nil, core.NewDomainError(core.CodeNotSupported, "adapter %s supports no on-chain verbs", b.adapter.Name())
	}
	req := types.NewRequest(clientRequestID, data)
	return b.submit(ctx, req, gas, func(ctx context.Context, r *types.Request) (*dexproxy.Submission, error) {
		return b.chainVerbs.SubmitApproval(ctx, r, gas)
	})
}

// SubmitTransfer submits a deposit, withdrawal or account transfer,
// distinguished by the transfer's request path.
func (b *Backend) SubmitTransfer(ctx context.Context, clientRequestID string, data *types.Transfer, gas *big.Int) (*SubmitResult, error) {
	if b.chainVerbs == nil {
		return nil, core.NewDomainError(core.CodeNotSupported, "adapter %s supports no on-chain verbs", b.adapter.Name())
	}
	req := types.NewRequest(clientRequestID, data)
	return b.submit(ctx, req, gas, func(ctx context.Context, r *types.Request) (*dexproxy.Submission, error) {
		return b.chainVerbs.SubmitTransfer(ctx, r, gas)
	})
}

// SubmitWrapUnwrap submits a native token wrap or unwrap.
func (b *Backend) SubmitWrapUnwrap(ctx context.Context, clientRequestID string, data *types.WrapUnwrap, gas *big.Int) (*SubmitResult, error) {
	if b.chainVerbs == nil {
		return nil, core.NewDomainError(core.CodeNotSupported, "adapter %s supports no on-chain verbs", b.adapter.Name())
	}
	req := types.NewRequest(clientRequestID, data)
	return b.submit(ctx, req, gas, func(ctx context.Context, r *types.Request) (*dexproxy.Submission, error) {
		return b.chainVerbs.SubmitWrapUnwrap(ctx, r, gas)
	})
}

// SubmitBridge submits a cross-chain bridge transfer.
func (b *Backend) SubmitBridge(ctx context.Context, clientRequestID string, data *types.Bridge, gas *big.Int) (*SubmitResult, error) {
	if b.chainVerbs == nil {
		return nil, core.NewDomainError(core.CodeNotSupported, "adapter %s supports no on-chain verbs", b.adapter.Name())
	}
	req := types.NewRequest(clientRequestID, data)
	return b.submit(ctx, req, gas, func(ctx context.Context, r *types.Request) (*dexproxy.Submission, error) {
		return b.chainVerbs.SubmitBridge(ctx, r, gas)
	})
}

// OrderSnapshot returns the current state of an order by client id.
func (b *Backend) OrderSnapshot(clientOrderID string) (*types.Request, error) {
	req, ok := b.cache.Get(clientOrderID)
	if !ok || req.Kind != types.KindOrder {
		return nil, core.NewDomainError(core.CodeOrderNotFound, "order %s not found", clientOrderID)
	}
	return req, nil
}

// OpenOrders returns every live order.
func (b *Backend) OpenOrders() []*types.Request {
	return b.cache.Open(types.KindOrder)
}

// RequestStatus returns the current cached state of any request.
func (b *Backend) RequestStatus(clientRequestID string) (*types.Request, error) {
	req, ok := b.cache.Get(clientRequestID)
	if !ok {
		return nil, core.NewDomainError(core.CodeOrderNotFound, "request %s not found", clientRequestID)
	}
	return req, nil
}

// OpenRequests lists live requests, filtered by kind when one is given.
func (b *Backend) OpenRequests(kind types.Kind) ([]*types.Request, error) {
	if kind != "" && !kind.Valid() {
		return nil, core.NewDomainError(core.CodeInvalidRequest, "unknown request_type %q", kind)
	}
	return b.cache.Open(kind), nil
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// notSupported maps an adapter refusal into the domain error surfaced to
// clients, leaving request state untouched.
func notSupported(err error) (*core.DomainError, bool) {
	if errors.Is(err, dexproxy.ErrNotSupported) {
		return core.WrapDomainError(core.CodeNotSupported, err), true
	}
	return nil, false
}
