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

// Package dexproxy defines the contract between the proxy core and the
// exchange adapters it normalizes.
package dexproxy

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianxyz/dexproxy/core/types"
)

// NotFound is returned by adapter lookups if the requested item does not
// exist (yet). A transaction receipt lookup returns NotFound while the
// transaction is still pending.
var NotFound = errors.New("not found")

// ErrNotSupported is returned by adapters for verbs the backing exchange
// cannot honour, e.g. amending a request whose transaction already settled
// on an L2 that has no replacement semantics. The proxy surfaces it to the
// client without touching request state.
var ErrNotSupported = errors.New("not supported")

// AdapterError wraps a submission failure with enough context for the core
// to decide what happens to the request: if no nonce was consumed the
// request fails immediately, otherwise it is left to the status poller.
type AdapterError struct {
	NonceConsumed bool // a chain nonce was spent before the failure surfaced
	Err           error
}

func (e *AdapterError) Error() string { return e.Err.Error() }

func (e *AdapterError) Unwrap() error { return e.Err }

// NonceConsumed reports whether err indicates that a chain nonce was spent
// despite the submission failing.
func NonceConsumed(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.NonceConsumed
}

// Submission is the adapter-side acknowledgement of a submit/cancel/amend
// verb. Off-chain exchanges leave TxHash zero and may report the assigned
// order id synchronously; on-chain ones report the transaction hash (or an
// opaque signature string on chains without EVM-style hashes).
type Submission struct {
	TxHash          common.Hash
	PlaceTxSig      string
	ExchangeOrderID string
	GasPriceWei     *big.Int
	Slot            uint64
}

// Receipt is the normalized transaction receipt consumed by the status
// poller. Status follows the EVM convention: 1 success, 0 reverted.
// Lookups return NotFound while the transaction is pending.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	Slot        uint64
	Reason      string // free-text revert explanation, when the chain surfaces one
}

// Receipt status values.
const (
	ReceiptStatusReverted = uint64(0)
	ReceiptStatusSuccess  = uint64(1)
)

// OrderRecord associates a client order id with the exchange-assigned order
// id. Records become visible some time after the placing transaction lands.
type OrderRecord struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Slot            uint64
}

// ActionKind tags an entry of an order's action log.
type ActionKind uint8

const (
	ActionFill ActionKind = iota
	ActionCancel
	ActionTrigger
	ActionExpiry
)

// OrderAction is one entry of the exchange-side action log for an order:
// fills, explicit cancels, trigger updates and expirations.
type OrderAction struct {
	Kind            ActionKind
	ExchangeOrderID string
	TradeID         string // unique per order; idempotency key for fills
	Price           string
	Quantity        string
	Liquidity       types.Liquidity
	ExchTimestampNs int64
	Slot            uint64
}

// Page is an opaque pagination cursor for record lookups. An empty Cursor
// requests the first (most recent) page.
type Page struct {
	Cursor string
	Limit  int
}

// OrderRecordPage is one page of order records, newest first. NextCursor is
// empty on the last page. OldestSlot is the slot of the oldest record on
// the page; the poller uses it to decide whether older pages can still be
// relevant.
type OrderRecordPage struct {
	Records    []OrderRecord
	NextCursor string
	OldestSlot uint64
}

// OrderActionPage is one page of order actions, newest first.
type OrderActionPage struct {
	Actions    []OrderAction
	NextCursor string
	OldestSlot uint64
}

// Adapter is the minimum capability set every exchange backend provides.
// Optional capabilities are declared through the extension interfaces below
// and discovered with type assertions.
//
// Adapters never mutate requests; they read the fields relevant to them and
// report outcomes through return values. All methods must honour ctx.
type Adapter interface {
	// Name identifies the backend, e.g. "drift" or "simulated".
	Name() string

	// Channels lists the subscription channel names this backend emits.
	// Backends with orders and trades must include "ORDER" and "TRADE".
	Channels() []string

	// SubmitOrder places the order described by req on the exchange.
	SubmitOrder(ctx context.Context, req *types.Request) (*Submission, error)

	// CancelOrder requests cancellation of req's order. On-chain backends
	// receive the gas price the proxy bumped to; off-chain ones ignore it.
	CancelOrder(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)

	// AmendOrder replaces the standing order transaction at a higher gas
	// price. Backends without replacement semantics return ErrNotSupported.
	AmendOrder(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)

	// OrderRecords returns the exchange's order records for a symbol at or
	// after sinceSlot, newest first.
	OrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page Page) (*OrderRecordPage, error)

	// OrderActionRecords returns the action log of a single order.
	OrderActionRecords(ctx context.Context, exchangeOrderID string, page Page) (*OrderActionPage, error)
}

// ChainVerbs is implemented by adapters whose chain supports the on-chain
// utility verbs next to order flow. gasPriceWei is the price the proxy
// validated against its bump and cap policies; re-submitting a request that
// already holds a nonce replaces the standing transaction at that price.
type ChainVerbs interface {
	SubmitApproval(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)
	SubmitTransfer(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)
	SubmitWrapUnwrap(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)
	SubmitBridge(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*Submission, error)
}

// ReceiptReader is implemented by adapters that can report transaction
// receipts for submissions. The poller uses it to confirm or reject
// placing transactions.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// TxCanceller is implemented by adapters that support replacement cancels:
// a transaction re-using the nonce at a higher gas price.
type TxCanceller interface {
	CancelTransaction(ctx context.Context, nonce uint64, gasPriceWei *big.Int) (*Submission, error)
}

// NonceBound is implemented by adapters whose submissions consume account
// nonces managed by the proxy's nonce manager.
type NonceBound interface {
	SignerAddress() common.Address
}

// GasPricer is implemented by adapters that can suggest a fast-priority gas
// price. cancel-all uses it to compute per-request bump targets.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// OrderLookup is an optional fast path for adapters that can resolve a
// single client order id directly instead of scanning symbol batches.
type OrderLookup interface {
	OrderByClientID(ctx context.Context, clientOrderID string) (*OrderRecord, error)
}

// MessageHook lets an adapter accept exchange-specific JSON-RPC methods on
// the websocket next to subscribe/unsubscribe.
type MessageHook interface {
	HandleMessage(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// NonceSource reads account nonces from the chain backing an adapter. The
// nonce manager syncs against it; implementations wrap a chain RPC client.
type NonceSource interface {
	// NonceAt returns the latest confirmed nonce of the account.
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	// PendingNonceAt returns the nonce including pending transactions.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}
