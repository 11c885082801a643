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

// Package simulated implements an in-memory exchange adapter. It backs the
// development mode and the end-to-end tests: orders rest on a book, cross
// against each other, and every submission gets a synthetic transaction
// with an immediately confirmed receipt.
package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/adapters"
	"github.com/meridianxyz/dexproxy/core/types"
)

// AdapterName is the registry name of the simulated exchange.
const AdapterName = "simulated"

// defaultGasPrice prices synthetic transactions when the caller proposes
// nothing: 1 gwei.
var defaultGasPrice = big.NewInt(1_000_000_000)

// fastGasPrice is the suggested fast-priority price: 2 gwei.
var fastGasPrice = big.NewInt(2_000_000_000)

func init() {
	adapters.Register(AdapterName, func(logger log.Logger) (dexproxy.Adapter, error) {
		return New(logger), nil
	})
}

// simOrder is one order known to the exchange.
type simOrder struct {
	exchangeID string
	clientID   string
	symbol     string
	market     string
	side       types.Side
	orderType  types.OrderType
	price      *big.Rat // nil for market orders
	remaining  *big.Rat
	slot       uint64
	done       bool
	actions    []dexproxy.OrderAction // in occurrence order
}

// Exchange is the simulated backend. All state lives behind one mutex; the
// slot counter advances on every mutating call, standing in for chain time.
type Exchange struct {
	log    log.Logger
	signer common.Address

	mu       sync.Mutex
	slot     uint64
	seq      uint64
	orders   map[string]*simOrder // by exchange order id
	byClient map[string]string
	records  []dexproxy.OrderRecord // in creation order
	resting  map[string][]*simOrder // per symbol, in arrival order
	receipts map[common.Hash]*dexproxy.Receipt
	latest   uint64 // chain-confirmed account nonce
}

// New creates an empty simulated exchange.
func New(logger log.Logger) *Exchange {
	return &Exchange{
		log:      logger.New("adapter", AdapterName),
		signer:   common.HexToAddress("0x00000000000000000000000000000000005157ed"),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
		resting:  make(map[string][]*simOrder),
		receipts: make(map[common.Hash]*dexproxy.Receipt),
	}
}

func (e *Exchange) Name() string { return AdapterName }

func (e *Exchange) Channels() []string {
	return []string{types.ChannelOrder, types.ChannelTrade, types.ChannelRequest}
}

// SignerAddress binds the exchange to the proxy's nonce manager.
func (e *Exchange) SignerAddress() common.Address { return e.signer }

// nextHash mints a unique synthetic transaction hash. Callers hold e.mu.
func (e *Exchange) nextHash() common.Hash {
	e.seq++
	return common.BigToHash(new(big.Int).SetUint64(e.seq))
}

// mint records a confirmed transaction at the current slot and advances the
// account nonce when the submission consumed one. Callers hold e.mu.
func (e *Exchange) mint(nonce *uint64) common.Hash {
	e.slot++
	hash := e.nextHash()
	e.receipts[hash] = &dexproxy.Receipt{
		TxHash:      hash,
		Status:      dexproxy.ReceiptStatusSuccess,
		BlockNumber: e.slot,
		Slot:        e.slot,
	}
	if nonce != nil && *nonce >= e.latest {
		e.latest = *nonce + 1
	}
	return hash
}

// SubmitOrder places and immediately matches an order against the book.
// Post-only orders that would cross are rejected outright; IOC and market
// remainders expire.
func (e *Exchange) SubmitOrder(ctx context.Context, req *types.Request) (*dexproxy.Submission, error) {
	o := req.Order()
	e.mu.Lock()
	defer e.mu.Unlock()

	qty, ok := o.Quantity.Rat()
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", o.Quantity)
	}
	var price *big.Rat
	if o.OrderType != types.Market {
		if price, ok = o.Price.Rat(); !ok {
			return nil, fmt.Errorf("invalid price %q", o.Price)
		}
	}
	if o.OrderType == types.GTCPostOnly && e.wouldCross(o.Symbol, o.Side, price) {
		return nil, fmt.Errorf("post only order would take")
	}

	order := &simOrder{
		exchangeID: fmt.Sprintf("SIM-%d", len(e.orders)+1),
		clientID:   req.ClientRequestID,
		symbol:     o.Symbol,
		market:     string(o.MarketType),
		side:       o.Side,
		orderType:  o.OrderType,
		price:      price,
		remaining:  new(big.Rat).Set(qty),
	}
	hash := e.mint(req.Nonce)
	order.slot = e.slot
	e.orders[order.exchangeID] = order
	e.byClient[order.clientID] = order.exchangeID
	e.records = append(e.records, dexproxy.OrderRecord{
		ClientOrderID:   order.clientID,
		ExchangeOrderID: order.exchangeID,
		Symbol:          order.symbol,
		Slot:            order.slot,
	})

	e.match(order)
	switch {
	case order.done:
	case order.orderType == types.IOC || order.orderType == types.Market:
		e.expire(order)
	default:
		e.resting[order.symbol] = append(e.resting[order.symbol], order)
	}

	// The exchange order id travels through the order records, not the
	// submission ack, so the record poll path stays exercised.
	return &dexproxy.Submission{TxHash: hash, GasPriceWei: defaultGasPrice, Slot: e.slot}, nil
}

// wouldCross reports whether a limit order at price would take against the
// current book. Callers hold e.mu.
func (e *Exchange) wouldCross(symbol string, side types.Side, price *big.Rat) bool {
	for _, other := range e.resting[symbol] {
		if !other.done && other.side != side && crosses(side, price, other.price) {
			return true
		}
	}
	return false
}

// crosses reports whether a taker at takerPrice meets a maker at
// makerPrice. A nil taker price (market order) crosses everything.
func crosses(takerSide types.Side, takerPrice, makerPrice *big.Rat) bool {
	if takerPrice == nil {
		return true
	}
	if takerSide == types.Buy {
		return takerPrice.Cmp(makerPrice) >= 0
	}
	return takerPrice.Cmp(makerPrice) <= 0
}

// match executes taker against resting opposite orders at the maker's
// price, oldest first. Callers hold e.mu.
func (e *Exchange) match(taker *simOrder) {
	book := e.resting[taker.symbol]
	for _, maker := range book {
		if taker.done {
			break
		}
		if maker.done || maker.side == taker.side || !crosses(taker.side, taker.price, maker.price) {
			continue
		}
		fill := new(big.Rat).Set(taker.remaining)
		if maker.remaining.Cmp(fill) < 0 {
			fill.Set(maker.remaining)
		}
		e.slot++
		e.seq++
		tradeID := fmt.Sprintf("T-%d", e.seq)
		price := types.RatDecimal(maker.price)
		qty := types.RatDecimal(fill)
		now := time.Now().UnixNano()

		taker.remaining.Sub(taker.remaining, fill)
		maker.remaining.Sub(maker.remaining, fill)
		taker.actions = append(taker.actions, dexproxy.OrderAction{
			Kind: dexproxy.ActionFill, ExchangeOrderID: taker.exchangeID, TradeID: tradeID,
			Price: string(price), Quantity: string(qty), Liquidity: types.Taker,
			ExchTimestampNs: now, Slot: e.slot,
		})
		maker.actions = append(maker.actions, dexproxy.OrderAction{
			Kind: dexproxy.ActionFill, ExchangeOrderID: maker.exchangeID, TradeID: tradeID,
			Price: string(price), Quantity: string(qty), Liquidity: types.Maker,
			ExchTimestampNs: now, Slot: e.slot,
		})
		if taker.remaining.Sign() == 0 {
			taker.done = true
		}
		if maker.remaining.Sign() == 0 {
			maker.done = true
		}
	}
	e.compact(taker.symbol)
}

// expire closes the unfilled remainder of an order. Callers hold e.mu.
func (e *Exchange) expire(order *simOrder) {
	e.slot++
	order.done = true
	order.actions = append(order.actions, dexproxy.OrderAction{
		Kind: dexproxy.ActionExpiry, ExchangeOrderID: order.exchangeID,
		ExchTimestampNs: time.Now().UnixNano(), Slot: e.slot,
	})
}

// compact drops finished orders from a symbol's book. Callers hold e.mu.
func (e *Exchange) compact(symbol string) {
	book := e.resting[symbol][:0]
	for _, order := range e.resting[symbol] {
		if !order.done {
			book = append(book, order)
		}
	}
	e.resting[symbol] = book
}

// CancelOrder marks the order cancelled and records the cancel action.
func (e *Exchange) CancelOrder(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.findByClient(req.ClientRequestID)
	if order == nil {
		return nil, fmt.Errorf("order not found")
	}
	hash := e.mint(nil)
	if !order.done {
		order.done = true
		order.actions = append(order.actions, dexproxy.OrderAction{
			Kind: dexproxy.ActionCancel, ExchangeOrderID: order.exchangeID,
			ExchTimestampNs: time.Now().UnixNano(), Slot: e.slot,
		})
		e.compact(order.symbol)
	}
	return &dexproxy.Submission{TxHash: hash, GasPriceWei: gasOrDefault(gasPriceWei), Slot: e.slot}, nil
}

// AmendOrder replaces the order's transaction at a higher gas price. The
// book state is untouched; only a fresh confirmed transaction appears.
func (e *Exchange) AmendOrder(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.findByClient(req.ClientRequestID) == nil {
		return nil, fmt.Errorf("order not found")
	}
	hash := e.mint(nil)
	return &dexproxy.Submission{TxHash: hash, GasPriceWei: gasOrDefault(gasPriceWei), Slot: e.slot}, nil
}

func (e *Exchange) findByClient(clientID string) *simOrder {
	exchID, ok := e.byClient[clientID]
	if !ok {
		return nil
	}
	return e.orders[exchID]
}

func gasOrDefault(gas *big.Int) *big.Int {
	if gas == nil {
		return defaultGasPrice
	}
	return gas
}

// OrderRecords pages through the exchange's order records, newest first.
func (e *Exchange) OrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page dexproxy.Page) (*dexproxy.OrderRecordPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var filtered []dexproxy.OrderRecord
	for i := len(e.records) - 1; i >= 0; i-- {
		rec := e.records[i]
		if rec.Symbol == symbol && rec.Slot >= sinceSlot {
			filtered = append(filtered, rec)
		}
	}
	out := &dexproxy.OrderRecordPage{}
	start, limit := cursorStart(page)
	for i := start; i < len(filtered) && i < start+limit; i++ {
		out.Records = append(out.Records, filtered[i])
		out.OldestSlot = filtered[i].Slot
	}
	if start+limit < len(filtered) {
		out.NextCursor = fmt.Sprint(start + limit)
	}
	return out, nil
}

// OrderActionRecords pages through one order's action log, newest first.
func (e *Exchange) OrderActionRecords(ctx context.Context, exchangeOrderID string, page dexproxy.Page) (*dexproxy.OrderActionPage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[exchangeOrderID]
	if !ok {
		return nil, dexproxy.NotFound
	}
	reversed := make([]dexproxy.OrderAction, 0, len(order.actions))
	for i := len(order.actions) - 1; i >= 0; i-- {
		reversed = append(reversed, order.actions[i])
	}
	out := &dexproxy.OrderActionPage{}
	start, limit := cursorStart(page)
	for i := start; i < len(reversed) && i < start+limit; i++ {
		out.Actions = append(out.Actions, reversed[i])
		out.OldestSlot = reversed[i].Slot
	}
	if start+limit < len(reversed) {
		out.NextCursor = fmt.Sprint(start + limit)
	}
	return out, nil
}

func cursorStart(page dexproxy.Page) (start, limit int) {
	limit = page.Limit
	if limit <= 0 {
		limit = 100
	}
	if page.Cursor != "" {
		fmt.Sscan(page.Cursor, &start)
	}
	return start, limit
}

// TransactionReceipt returns the receipt of a synthetic transaction.
func (e *Exchange) TransactionReceipt(ctx context.Context, txHash common.Hash) (*dexproxy.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, ok := e.receipts[txHash]
	if !ok {
		return nil, dexproxy.NotFound
	}
	return receipt, nil
}

// CancelTransaction mints a replacement cancel on the given nonce.
func (e *Exchange) CancelTransaction(ctx context.Context, nonce uint64, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := nonce
	hash := e.mint(&n)
	return &dexproxy.Submission{TxHash: hash, GasPriceWei: gasOrDefault(gasPriceWei), Slot: e.slot}, nil
}

// SubmitApproval mints a confirmed approval transaction.
func (e *Exchange) SubmitApproval(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	return e.submitChainTx(req, gasPriceWei)
}

// SubmitTransfer mints a confirmed transfer transaction.
func (e *Exchange) SubmitTransfer(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	return e.submitChainTx(req, gasPriceWei)
}

// SubmitWrapUnwrap mints a confirmed wrap or unwrap transaction.
func (e *Exchange) SubmitWrapUnwrap(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	return e.submitChainTx(req, gasPriceWei)
}

// SubmitBridge mints a confirmed bridge transaction.
func (e *Exchange) SubmitBridge(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	return e.submitChainTx(req, gasPriceWei)
}

func (e *Exchange) submitChainTx(req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hash := e.mint(req.Nonce)
	return &dexproxy.Submission{TxHash: hash, GasPriceWei: gasOrDefault(gasPriceWei), Slot: e.slot}, nil
}

// SuggestGasPrice returns a fixed fast-priority price.
func (e *Exchange) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(fastGasPrice), nil
}

// NonceAt returns the confirmed account nonce.
func (e *Exchange) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, nil
}

// PendingNonceAt equals the confirmed nonce: synthetic transactions mine
// instantly.
func (e *Exchange) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, nil
}

// HandleMessage answers exchange-specific websocket methods.
func (e *Exchange) HandleMessage(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	if method != "exchange_info" {
		return nil, dexproxy.ErrNotSupported
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"name":   AdapterName,
		"orders": len(e.orders),
		"slot":   e.slot,
	}, nil
}
