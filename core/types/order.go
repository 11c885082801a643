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
	"errors"
	"fmt"
)

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType is the execution style requested by the client.
type OrderType string

const (
	GTC         OrderType = "GTC"
	GTCPostOnly OrderType = "GTC_POST_ONLY"
	IOC         OrderType = "IOC"
	Market      OrderType = "MARKET"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case GTC, GTCPostOnly, IOC, Market:
		return true
	}
	return false
}

// MarketType distinguishes spot from perpetual markets.
type MarketType string

const (
	Spot MarketType = "SPOT"
	Perp MarketType = "PERP"
)

// Valid reports whether m is a known market type. The empty value is allowed
// and treated as SPOT by adapters that do not trade perpetuals.
func (m MarketType) Valid() bool { return m == "" || m == Spot || m == Perp }

// Liquidity tags which side of the book an execution took.
type Liquidity string

const (
	Maker Liquidity = "Maker"
	Taker Liquidity = "Taker"
)

// Trade is a single execution against an order. TradeID is unique within an
// order and is the idempotency key for fills.
type Trade struct {
	TradeID         string    `json:"trade_id"`
	ExecPrice       Decimal   `json:"exec_price"`
	ExecQty         Decimal   `json:"exec_qty"`
	Liquidity       Liquidity `json:"liquidity"`
	ExchTimestampNs int64     `json:"exch_timestamp_ns"`
}

// Order is the request payload for exchange orders.
type Order struct {
	Symbol          string
	MarketType      MarketType
	Side            Side
	OrderType       OrderType
	Price           Decimal
	Quantity        Decimal
	ExchangeOrderID string
	ExecutedQty     Decimal
	Trades          []Trade
}

func (*Order) requestKind() Kind { return KindOrder }

func (o *Order) copyData() RequestData {
	cpy := *o
	cpy.Trades = append([]Trade(nil), o.Trades...)
	return &cpy
}

// Validate checks the client-supplied order fields. Market orders may omit
// the price; every other type requires a positive one.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return errors.New("missing symbol")
	}
	if !o.MarketType.Valid() {
		return fmt.Errorf("unknown market_type %q", o.MarketType)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("unknown side %q", o.Side)
	}
	if !o.OrderType.Valid() {
		return fmt.Errorf("unknown order_type %q", o.OrderType)
	}
	if !o.Quantity.Positive() {
		return fmt.Errorf("quantity %q is not a positive decimal", o.Quantity)
	}
	if o.OrderType != Market && !o.Price.Positive() {
		return fmt.Errorf("price %q is not a positive decimal", o.Price)
	}
	return nil
}

// executedQty treats the zero value as "0" so that fresh orders need no
// explicit initialisation.
func (o *Order) executedQty() Decimal {
	if o.ExecutedQty == "" {
		return "0"
	}
	return o.ExecutedQty
}

// HasTrade reports whether a trade with the given id was already applied.
func (o *Order) HasTrade(tradeID string) bool {
	for _, t := range o.Trades {
		if t.TradeID == tradeID {
			return true
		}
	}
	return false
}

// ApplyTrade records a fill exactly once. The first return is false when the
// trade id was seen before. Applying a fill that would push the executed
// quantity past the order quantity fails without mutating the order.
func (o *Order) ApplyTrade(t Trade) (bool, error) {
	if o.HasTrade(t.TradeID) {
		return false, nil
	}
	if !t.ExecQty.Positive() {
		return false, fmt.Errorf("trade %s: exec_qty %q is not a positive decimal", t.TradeID, t.ExecQty)
	}
	next := o.executedQty().Add(t.ExecQty)
	if next.Cmp(o.Quantity) > 0 {
		return false, fmt.Errorf("trade %s: fill %s exceeds order quantity %s", t.TradeID, next, o.Quantity)
	}
	o.Trades = append(o.Trades, t)
	o.ExecutedQty = next
	return true, nil
}

// Filled reports whether the cumulative executed quantity equals the order
// quantity.
func (o *Order) Filled() bool {
	return o.executedQty().Cmp(o.Quantity) == 0
}
