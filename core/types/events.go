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

import "time"

// Channels every order-capable backend provides. Adapters may declare more.
const (
	ChannelOrder   = "ORDER"
	ChannelTrade   = "TRADE"
	ChannelRequest = "REQUEST"
)

// Event is one publication into a subscription channel. Data must be a
// JSON-serialisable payload; subscribers receive it verbatim.
type Event struct {
	Channel string
	Data    interface{}
}

// OrderEvent is the payload published on the ORDER channel whenever an
// order's externally visible state changes.
type OrderEvent struct {
	ClientOrderID     string     `json:"client_order_id"`
	ExchangeOrderID   string     `json:"exchange_order_id,omitempty"`
	Symbol            string     `json:"symbol"`
	MarketType        MarketType `json:"market_type,omitempty"`
	Side              Side       `json:"side"`
	OrderType         OrderType  `json:"order_type"`
	Price             Decimal    `json:"price,omitempty"`
	Quantity          Decimal    `json:"quantity"`
	TotalExecQuantity Decimal    `json:"total_exec_quantity"`
	Status            string     `json:"status"`
	Reason            Reason     `json:"reason,omitempty"`
	SendTimestampNs   int64      `json:"send_timestamp_ns"`
}

// TradeEvent is the payload published on the TRADE channel for each applied
// fill.
type TradeEvent struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	TradeID         string    `json:"trade_id"`
	ExecPrice       Decimal   `json:"exec_price"`
	ExecQty         Decimal   `json:"exec_qty"`
	Liquidity       Liquidity `json:"liquidity"`
	ExchTimestampNs int64     `json:"exch_timestamp_ns"`
	SendTimestampNs int64     `json:"send_timestamp_ns"`
}

// RequestEvent is the payload published on the REQUEST channel for non-order
// request transitions (approvals, transfers, wraps, bridges).
type RequestEvent struct {
	ClientRequestID string `json:"client_request_id"`
	Kind            Kind   `json:"kind"`
	Status          Status `json:"status"`
	Reason          Reason `json:"reason,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	SendTimestampNs int64  `json:"send_timestamp_ns"`
}

// OrderEventStatus maps an order's lifecycle state to the status string
// clients see: acknowledged open orders report OPEN, everything else reports
// the request status name.
func OrderEventStatus(r *Request) string {
	if o := r.Order(); o != nil && !r.Terminal() && o.ExchangeOrderID != "" {
		return "OPEN"
	}
	return string(r.Status)
}

// NewOrderEvent snapshots r into an ORDER channel payload. r must be an
// order request.
func NewOrderEvent(r *Request) OrderEvent {
	o := r.Order()
	return OrderEvent{
		ClientOrderID:     r.ClientRequestID,
		ExchangeOrderID:   o.ExchangeOrderID,
		Symbol:            o.Symbol,
		MarketType:        o.MarketType,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Price:             o.Price,
		Quantity:          o.Quantity,
		TotalExecQuantity: o.executedQty(),
		Status:            OrderEventStatus(r),
		Reason:            r.Reason,
		SendTimestampNs:   time.Now().UnixNano(),
	}
}

// NewTradeEvent builds the TRADE channel payload for one applied fill.
func NewTradeEvent(r *Request, t Trade) TradeEvent {
	o := r.Order()
	return TradeEvent{
		ClientOrderID:   r.ClientRequestID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		TradeID:         t.TradeID,
		ExecPrice:       t.ExecPrice,
		ExecQty:         t.ExecQty,
		Liquidity:       t.Liquidity,
		ExchTimestampNs: t.ExchTimestampNs,
		SendTimestampNs: time.Now().UnixNano(),
	}
}

// NewRequestEvent builds the REQUEST channel payload for a non-order
// transition.
func NewRequestEvent(r *Request) RequestEvent {
	ev := RequestEvent{
		ClientRequestID: r.ClientRequestID,
		Kind:            r.Kind,
		Status:          r.Status,
		Reason:          r.Reason,
		SendTimestampNs: time.Now().UnixNano(),
	}
	if ref, ok := r.LastTxRef(); ok {
		ev.TxHash = ref.String()
	}
	return ev
}
