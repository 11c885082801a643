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
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// txRefJSON is the wire form of a TxRef. EVM hashes render as 0x-hex;
// opaque signatures pass through verbatim.
type txRefJSON struct {
	Hash    string    `json:"hash"`
	Purpose TxPurpose `json:"purpose"`
}

// requestJSON is the union of all request fields, used by both directions of
// the JSON codec. Variant fields are populated according to Kind.
type requestJSON struct {
	ClientRequestID  string          `json:"client_request_id"`
	Kind             Kind            `json:"kind"`
	Status           Status          `json:"status"`
	Intent           Intent          `json:"intent,omitempty"`
	Reason           Reason          `json:"reason,omitempty"`
	Nonce            *uint64         `json:"nonce,omitempty"`
	TxHashes         []txRefJSON     `json:"tx_hashes,omitempty"`
	UsedGasPricesWei []string        `json:"used_gas_prices_wei,omitempty"`
	AwaitingReceipt  bool            `json:"awaiting_receipt,omitempty"`
	SubmittedSlot    uint64          `json:"submitted_slot,omitempty"`
	ReceivedAtMs     int64           `json:"received_at_ms"`
	SubmittedAtMs    int64           `json:"submitted_at_ms,omitempty"`
	FinalisedAtMs    int64           `json:"finalised_at_ms,omitempty"`
	AdapterSpecific  json.RawMessage `json:"adapter_specific,omitempty"`

	// Order fields.
	Symbol           string     `json:"symbol,omitempty"`
	MarketType       MarketType `json:"market_type,omitempty"`
	Side             Side       `json:"side,omitempty"`
	OrderType        OrderType  `json:"order_type,omitempty"`
	Price            Decimal    `json:"price,omitempty"`
	Quantity         Decimal    `json:"quantity,omitempty"`
	ExchangeOrderID  string     `json:"exchange_order_id,omitempty"`
	TotalExecutedQty Decimal    `json:"total_executed_qty,omitempty"`
	Trades           []Trade    `json:"trades,omitempty"`

	// Transfer, Approve, WrapUnwrap and Bridge fields.
	Amount           Decimal       `json:"amount,omitempty"`
	AddressTo        string        `json:"address_to,omitempty"`
	GasLimit         uint64        `json:"gas_limit,omitempty"`
	RequestPath      TransferPath  `json:"request_path,omitempty"`
	ApproveContract  string        `json:"approve_contract_address,omitempty"`
	Direction        WrapDirection `json:"direction,omitempty"`
	SourceChain      string        `json:"source_chain,omitempty"`
	DestinationChain string        `json:"destination_chain,omitempty"`
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MarshalJSON renders the request in its flat wire form.
func (r *Request) MarshalJSON() ([]byte, error) {
	enc := requestJSON{
		ClientRequestID: r.ClientRequestID,
		Kind:            r.Kind,
		Status:          r.Status,
		Intent:          r.Intent,
		Reason:          r.Reason,
		AwaitingReceipt: r.AwaitingReceipt,
		SubmittedSlot:   r.SubmittedSlot,
		ReceivedAtMs:    unixMilliOrZero(r.ReceivedAt),
		SubmittedAtMs:   unixMilliOrZero(r.SubmittedAt),
		FinalisedAtMs:   unixMilliOrZero(r.FinalisedAt),
		AdapterSpecific: r.AdapterSpecific,
	}
	if r.Nonce != nil {
		n := *r.Nonce
		enc.Nonce = &n
	}
	for _, ref := range r.TxRefs {
		enc.TxHashes = append(enc.TxHashes, txRefJSON{Hash: ref.String(), Purpose: ref.Purpose})
	}
	for _, g := range r.GasPrices {
		enc.UsedGasPricesWei = append(enc.UsedGasPricesWei, g.String())
	}
	switch data := r.Data.(type) {
	case *Order:
		enc.Symbol = data.Symbol
		enc.MarketType = data.MarketType
		enc.Side = data.Side
		enc.OrderType = data.OrderType
		enc.Price = data.Price
		enc.Quantity = data.Quantity
		enc.ExchangeOrderID = data.ExchangeOrderID
		enc.TotalExecutedQty = data.executedQty()
		enc.Trades = data.Trades
	case *Transfer:
		enc.Symbol = data.Symbol
		enc.Amount = data.Amount
		enc.AddressTo = data.AddressTo
		enc.GasLimit = data.GasLimit
		enc.RequestPath = data.RequestPath
	case *Approve:
		enc.Symbol = data.Symbol
		enc.Amount = data.Amount
		enc.ApproveContract = data.ApproveContract
		enc.GasLimit = data.GasLimit
	case *WrapUnwrap:
		enc.Symbol = data.Symbol
		enc.Amount = data.Amount
		enc.Direction = data.Direction
		enc.GasLimit = data.GasLimit
	case *Bridge:
		enc.Symbol = data.Symbol
		enc.Amount = data.Amount
		enc.SourceChain = data.SourceChain
		enc.DestinationChain = data.DestinationChain
		enc.GasLimit = data.GasLimit
	default:
		return nil, fmt.Errorf("request %s has unknown payload %T", r.ClientRequestID, r.Data)
	}
	return json.Marshal(&enc)
}

// UnmarshalJSON decodes the flat wire form back into a Request. It is the
// inverse of MarshalJSON and is used when reloading persisted requests.
func (r *Request) UnmarshalJSON(input []byte) error {
	var dec requestJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	if dec.ClientRequestID == "" {
		return errors.New("missing client_request_id")
	}
	if !dec.Kind.Valid() {
		return fmt.Errorf("unknown request kind %q", dec.Kind)
	}
	if !dec.Status.Valid() {
		return fmt.Errorf("unknown request status %q", dec.Status)
	}
	r.ClientRequestID = dec.ClientRequestID
	r.Kind = dec.Kind
	r.Status = dec.Status
	r.Intent = dec.Intent
	r.Reason = dec.Reason
	r.Nonce = dec.Nonce
	r.AwaitingReceipt = dec.AwaitingReceipt
	r.SubmittedSlot = dec.SubmittedSlot
	r.ReceivedAt = timeFromMilli(dec.ReceivedAtMs)
	r.SubmittedAt = timeFromMilli(dec.SubmittedAtMs)
	r.FinalisedAt = timeFromMilli(dec.FinalisedAtMs)
	r.AdapterSpecific = dec.AdapterSpecific

	r.TxRefs = nil
	for _, ref := range dec.TxHashes {
		r.TxRefs = append(r.TxRefs, decodeTxRef(ref))
	}
	r.GasPrices = nil
	for _, s := range dec.UsedGasPricesWei {
		g, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return fmt.Errorf("malformed gas price %q", s)
		}
		r.GasPrices = append(r.GasPrices, g)
	}

	switch dec.Kind {
	case KindOrder:
		r.Data = &Order{
			Symbol:          dec.Symbol,
			MarketType:      dec.MarketType,
			Side:            dec.Side,
			OrderType:       dec.OrderType,
			Price:           dec.Price,
			Quantity:        dec.Quantity,
			ExchangeOrderID: dec.ExchangeOrderID,
			ExecutedQty:     dec.TotalExecutedQty,
			Trades:          dec.Trades,
		}
	case KindTransfer:
		r.Data = &Transfer{
			Symbol:      dec.Symbol,
			Amount:      dec.Amount,
			AddressTo:   dec.AddressTo,
			GasLimit:    dec.GasLimit,
			RequestPath: dec.RequestPath,
		}
	case KindApprove:
		r.Data = &Approve{
			Symbol:          dec.Symbol,
			Amount:          dec.Amount,
			ApproveContract: dec.ApproveContract,
			GasLimit:        dec.GasLimit,
		}
	case KindWrapUnwrap:
		r.Data = &WrapUnwrap{
			Symbol:    dec.Symbol,
			Amount:    dec.Amount,
			Direction: dec.Direction,
			GasLimit:  dec.GasLimit,
		}
	case KindBridge:
		r.Data = &Bridge{
			Symbol:           dec.Symbol,
			Amount:           dec.Amount,
			SourceChain:      dec.SourceChain,
			DestinationChain: dec.DestinationChain,
			GasLimit:         dec.GasLimit,
		}
	}
	return nil
}

// decodeTxRef turns the wire form back into a TxRef, distinguishing 0x-hex
// hashes from opaque signature strings.
func decodeTxRef(ref txRefJSON) TxRef {
	if strings.HasPrefix(ref.Hash, "0x") && len(ref.Hash) == 2+2*common.HashLength {
		return TxRef{Hash: common.HexToHash(ref.Hash), Purpose: ref.Purpose}
	}
	return TxRef{Sig: ref.Hash, Purpose: ref.Purpose}
}
