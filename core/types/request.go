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

package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags the variant carried by a Request.
type Kind string

const (
	KindOrder      Kind = "ORDER"
	KindTransfer   Kind = "TRANSFER"
	KindApprove    Kind = "APPROVE"
	KindWrapUnwrap Kind = "WRAP_UNWRAP"
	KindBridge     Kind = "BRIDGE"
)

// Kinds lists every request kind, in a fixed order.
func Kinds() []Kind {
	return []Kind{KindOrder, KindTransfer, KindApprove, KindWrapUnwrap, KindBridge}
}

// Valid reports whether k names a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOrder, KindTransfer, KindApprove, KindWrapUnwrap, KindBridge:
		return true
	}
	return false
}

// TxPurpose labels why a transaction hash was attached to a request.
type TxPurpose string

const (
	PurposeSubmit TxPurpose = "SUBMIT"
	PurposeAmend  TxPurpose = "AMEND"
	PurposeCancel TxPurpose = "CANCEL"
)

// TxRef is one transaction attached to a request. EVM-style chains populate
// Hash; chains with opaque signature strings populate Sig instead. Only the
// last mined reference of a request is authoritative.
type TxRef struct {
	Hash    common.Hash
	Sig     string
	Purpose TxPurpose
}

// String returns the canonical textual form of the reference.
func (ref TxRef) String() string {
	if ref.Sig != "" {
		return ref.Sig
	}
	return ref.Hash.Hex()
}

// RequestData is the variant payload of a Request. The concrete types are
// Order, Transfer, Approve, WrapUnwrap and Bridge.
type RequestData interface {
	requestKind() Kind
	copyData() RequestData

	// Validate checks the client-supplied fields. It is called once at the
	// transport boundary, before the request enters the cache.
	Validate() error
}

// Request is the unit the proxy tracks from client verb to terminal state.
// It is owned by the request cache: every mutation happens under the cache
// lock and external readers only ever see copies.
type Request struct {
	ClientRequestID string
	Kind            Kind
	Status          Status
	Intent          Intent
	Reason          Reason

	// Nonce is set for submissions that consumed a chain nonce and nil for
	// off-chain exchanges.
	Nonce *uint64

	// TxRefs collects every transaction sent for this request in submission
	// order. GasPrices holds the matching gas prices in wei; the sequence is
	// non-decreasing and every bump satisfies the 10% replacement rule.
	TxRefs    []TxRef
	GasPrices []*big.Int

	// AwaitingReceipt is set while the latest transaction lacks a confirmed
	// receipt; a successful receipt clears it without touching status.
	AwaitingReceipt bool

	// SubmittedSlot is the chain slot observed when the submission was
	// accepted, used by the poller's deadline rule. Zero when unknown.
	SubmittedSlot uint64

	ReceivedAt  time.Time
	SubmittedAt time.Time
	FinalisedAt time.Time

	// AdapterSpecific is an opaque bag owned by the adapter that submitted
	// the request, e.g. {"chain":"L2"}.
	AdapterSpecific json.RawMessage

	Data RequestData
}

// NewRequest wraps data into a fresh NEW request.
func NewRequest(clientRequestID string, data RequestData) *Request {
	return &Request{
		ClientRequestID: clientRequestID,
		Kind:            data.requestKind(),
		Status:          StatusNew,
		ReceivedAt:      time.Now(),
		Data:            data,
	}
}

// Terminal reports whether the request reached a final state.
func (r *Request) Terminal() bool { return r.Status.Terminal() }

// Order returns the order payload, or nil if the request is not an order.
func (r *Request) Order() *Order {
	o, _ := r.Data.(*Order)
	return o
}

// LastGasPrice returns the gas price of the most recent transaction, or nil
// if the request never sent one.
func (r *Request) LastGasPrice() *big.Int {
	if len(r.GasPrices) == 0 {
		return nil
	}
	return r.GasPrices[len(r.GasPrices)-1]
}

// LastTxRef returns the most recently attached transaction reference.
func (r *Request) LastTxRef() (TxRef, bool) {
	if len(r.TxRefs) == 0 {
		return TxRef{}, false
	}
	return r.TxRefs[len(r.TxRefs)-1], true
}

// RecordSubmission attaches a sent transaction and its gas price. A nil gas
// price records the reference only (off-chain exchanges).
func (r *Request) RecordSubmission(ref TxRef, gasPriceWei *big.Int) {
	r.TxRefs = append(r.TxRefs, ref)
	if gasPriceWei != nil {
		r.GasPrices = append(r.GasPrices, new(big.Int).Set(gasPriceWei))
	}
}

// Copy returns a deep copy safe to hand outside the cache lock.
func (r *Request) Copy() *Request {
	cpy := *r
	if r.Nonce != nil {
		n := *r.Nonce
		cpy.Nonce = &n
	}
	cpy.TxRefs = append([]TxRef(nil), r.TxRefs...)
	cpy.GasPrices = make([]*big.Int, len(r.GasPrices))
	for i, g := range r.GasPrices {
		cpy.GasPrices[i] = new(big.Int).Set(g)
	}
	if r.AdapterSpecific != nil {
		cpy.AdapterSpecific = append(json.RawMessage(nil), r.AdapterSpecific...)
	}
	if r.Data != nil {
		cpy.Data = r.Data.copyData()
	}
	return &cpy
}
