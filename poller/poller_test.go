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
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/types"
	"github.com/meridianxyz/dexproxy/internal/testlog"
)

// fakeExchange is a scriptable adapter: tests seed its record pages, action
// logs and receipts and count the lookups the poller makes.
type fakeExchange struct {
	mu          sync.Mutex
	records     []dexproxy.OrderRecord // newest first
	actions     map[string][]dexproxy.OrderAction
	receipts    map[common.Hash]*dexproxy.Receipt
	recordCalls int
	actionCalls int
	pageSize    int // server-side page cap, 0 for unpaged
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		actions:  make(map[string][]dexproxy.OrderAction),
		receipts: make(map[common.Hash]*dexproxy.Receipt),
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Channels() []string {
	return []string{types.ChannelOrder, types.ChannelTrade, types.ChannelRequest}
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req *types.Request) (*dexproxy.Submission, error) {
	return nil, dexproxy.ErrNotSupported
}

func (f *fakeExchange) CancelOrder(ctx context.Context, req *types.Request, gas *big.Int) (*dexproxy.Submission, error) {
	return nil, dexproxy.ErrNotSupported
}

func (f *fakeExchange) AmendOrder(ctx context.Context, req *types.Request, gas *big.Int) (*dexproxy.Submission, error) {
	return nil, dexproxy.ErrNotSupported
}

func (f *fakeExchange) OrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page dexproxy.Page) (*dexproxy.OrderRecordPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordCalls++

	var filtered []dexproxy.OrderRecord
	for _, rec := range f.records {
		if rec.Symbol == symbol {
			filtered = append(filtered, rec)
		}
	}
	start, limit := pageWindow(page, f.pageSize)
	out := &dexproxy.OrderRecordPage{}
	for i := start; i < len(filtered) && i < start+limit; i++ {
		out.Records = append(out.Records, filtered[i])
		out.OldestSlot = filtered[i].Slot
	}
	if start+limit < len(filtered) {
		out.NextCursor = fmt.Sprint(start + limit)
	}
	return out, nil
}

func (f *fakeExchange) OrderActionRecords(ctx context.Context, exchangeOrderID string, page dexproxy.Page) (*dexproxy.OrderActionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionCalls++

	log := f.actions[exchangeOrderID]
	start, limit := pageWindow(page, f.pageSize)
	out := &dexproxy.OrderActionPage{}
	for i := start; i < len(log) && i < start+limit; i++ {
		out.Actions = append(out.Actions, log[i])
		out.OldestSlot = log[i].Slot
	}
	if start+limit < len(log) {
		out.NextCursor = fmt.Sprint(start + limit)
	}
	return out, nil
}

func (f *fakeExchange) TransactionReceipt(ctx context.Context, txHash common.Hash) (*dexproxy.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, dexproxy.NotFound
	}
	return receipt, nil
}

func pageWindow(page dexproxy.Page, cap int) (start, limit int) {
	limit = page.Limit
	if cap > 0 && (limit <= 0 || limit > cap) {
		limit = cap
	}
	if limit <= 0 {
		limit = 100
	}
	if page.Cursor != "" {
		fmt.Sscan(page.Cursor, &start)
	}
	return start, limit
}

func (f *fakeExchange) calls() (records, actions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordCalls, f.actionCalls
}

// testConfig polls without grace windows so a single manual tick sees
// everything.
func testConfig() Config {
	cfg := DefaultConfig
	cfg.DelayAfterSubmit = time.Nanosecond
	cfg.RefreshAfter = time.Nanosecond
	return cfg
}

func newTestPoller(t *testing.T, cfg Config, fake *fakeExchange) (*Poller, *core.RequestCache) {
	t.Helper()
	logger := testlog.Logger(t, log.LevelDebug)
	cache := core.NewRequestCache(core.DefaultCacheConfig, nil, logger)
	p := New(cfg, cache, fake, core.NewClassifier(), logger)
	return p, cache
}

func submitOrder(t *testing.T, cache *core.RequestCache, id string, hash common.Hash, slot uint64) {
	t.Helper()
	req := types.NewRequest(id, &types.Order{
		Symbol: "SOL-PERP", MarketType: types.Perp, Side: types.Buy,
		OrderType: types.GTC, Price: "100", Quantity: "2",
	})
	require.NoError(t, cache.Add(req))
	require.NoError(t, cache.MarkSubmitted(id, types.TxRef{Hash: hash, Purpose: types.PurposeSubmit}, big.NewInt(1e9), nil, slot))
	// The submit grace window is nanoseconds in tests; make sure it passed.
	time.Sleep(time.Millisecond)
}

func TestRecordScanBindsExchangeOrderID(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	fake.records = []dexproxy.OrderRecord{
		{ClientOrderID: "ord-1", ExchangeOrderID: "EX-1", Symbol: "SOL-PERP", Slot: 11},
	}

	require.NoError(t, p.pollOrderRecords(context.Background()))

	req, ok := cache.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, "EX-1", req.Order().ExchangeOrderID)
	assert.Equal(t, uint64(11), p.LatestSlot())

	// Acknowledged orders leave the record-scan set.
	before, _ := fake.calls()
	require.NoError(t, p.pollOrderRecords(context.Background()))
	after, _ := fake.calls()
	assert.Equal(t, before, after)
}

func TestRecordScanSkipsFreshSubmissions(t *testing.T) {
	cfg := testConfig()
	cfg.DelayAfterSubmit = time.Hour
	fake := newFakeExchange()
	p, cache := newTestPoller(t, cfg, fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	require.NoError(t, p.pollOrderRecords(context.Background()))

	records, _ := fake.calls()
	assert.Zero(t, records, "fresh submission polled before the grace window")
}

func TestRecordScanStopsAtSinceSlot(t *testing.T) {
	fake := newFakeExchange()
	fake.pageSize = 2
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 50)
	// Newest-first records: the pending order sits on page one, everything
	// below slot 50 is history the scan must not walk into.
	fake.records = []dexproxy.OrderRecord{
		{ClientOrderID: "ord-1", ExchangeOrderID: "EX-1", Symbol: "SOL-PERP", Slot: 52},
		{ClientOrderID: "old-9", ExchangeOrderID: "EX-9", Symbol: "SOL-PERP", Slot: 8},
		{ClientOrderID: "old-8", ExchangeOrderID: "EX-8", Symbol: "SOL-PERP", Slot: 7},
		{ClientOrderID: "old-7", ExchangeOrderID: "EX-7", Symbol: "SOL-PERP", Slot: 6},
	}

	require.NoError(t, p.pollOrderRecords(context.Background()))

	req, _ := cache.Get("ord-1")
	assert.Equal(t, "EX-1", req.Order().ExchangeOrderID)

	// Page one's bottom (slot 8) already predates the submission slot, so
	// exactly one page fetch suffices.
	records, _ := fake.calls()
	assert.Equal(t, 1, records)
}

func TestInsertDeadlineRejects(t *testing.T) {
	cfg := testConfig()
	cfg.InsertFailAfter = time.Nanosecond
	fake := newFakeExchange()
	p, cache := newTestPoller(t, cfg, fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	p.ObserveSlot(10 + cfg.SlotWindow)

	require.NoError(t, p.pollOrderRecords(context.Background()))

	req, ok := cache.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRejected, req.Status)
	assert.Equal(t, types.ReasonTransportFailure, req.Reason)
}

func TestInsertDeadlineWaitsForSlotWindow(t *testing.T) {
	cfg := testConfig()
	cfg.InsertFailAfter = time.Nanosecond
	fake := newFakeExchange()
	p, cache := newTestPoller(t, cfg, fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	// The wall clock elapsed but the chain barely moved: the record may
	// still appear, so the order stays alive.
	p.ObserveSlot(12)

	require.NoError(t, p.pollOrderRecords(context.Background()))

	req, ok := cache.Get("ord-1")
	require.True(t, ok)
	assert.False(t, req.Terminal())
}

func TestActionsApplyFillsThenCancel(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	require.NoError(t, cache.SetExchangeOrderID("ord-1", "EX-1", 11))

	// Newest first: the cancel tops the log, the partial fill sits below it.
	fake.actions["EX-1"] = []dexproxy.OrderAction{
		{Kind: dexproxy.ActionCancel, ExchangeOrderID: "EX-1", Slot: 15},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-1", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 13},
	}

	require.NoError(t, p.pollOrderActions(context.Background()))

	req, ok := cache.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, req.Status)
	require.Len(t, req.Order().Trades, 1)
	assert.Equal(t, "T-1", req.Order().Trades[0].TradeID)
	assert.Equal(t, 0, req.Order().ExecutedQty.Cmp("0.5"))
}

func TestFullFillBeatsRacingCancel(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	require.NoError(t, cache.SetExchangeOrderID("ord-1", "EX-1", 11))

	// The cancel raced a completing fill. Fills are applied first, the full
	// fill expires the order, and the terminal state never moves again.
	fake.actions["EX-1"] = []dexproxy.OrderAction{
		{Kind: dexproxy.ActionCancel, ExchangeOrderID: "EX-1", Slot: 15},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-2", Price: "100", Quantity: "1", Liquidity: types.Maker, Slot: 14},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-1", Price: "100", Quantity: "1", Liquidity: types.Maker, Slot: 13},
	}

	require.NoError(t, p.pollOrderActions(context.Background()))

	req, ok := cache.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusExpired, req.Status)
	assert.True(t, req.Order().Filled())
}

func TestActionsAreIdempotent(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	require.NoError(t, cache.SetExchangeOrderID("ord-1", "EX-1", 11))

	fake.actions["EX-1"] = []dexproxy.OrderAction{
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-1", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 13},
	}

	// The same log refreshed twice applies the fill once.
	require.NoError(t, p.pollOrderActions(context.Background()))
	p.forget("ord-1") // force a second refresh despite the fresh timestamp
	require.NoError(t, p.pollOrderActions(context.Background()))

	req, _ := cache.Get("ord-1")
	require.Len(t, req.Order().Trades, 1)
	assert.Equal(t, 0, req.Order().ExecutedQty.Cmp("0.5"))
}

func TestActionsPaginate(t *testing.T) {
	fake := newFakeExchange()
	fake.pageSize = 2
	p, cache := newTestPoller(t, testConfig(), fake)

	submitOrder(t, cache, "ord-1", common.HexToHash("0xa1"), 10)
	require.NoError(t, cache.SetExchangeOrderID("ord-1", "EX-1", 11))

	fake.actions["EX-1"] = []dexproxy.OrderAction{
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-4", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 16},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-3", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 15},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-2", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 14},
		{Kind: dexproxy.ActionFill, ExchangeOrderID: "EX-1", TradeID: "T-1", Price: "100", Quantity: "0.5", Liquidity: types.Maker, Slot: 13},
	}

	require.NoError(t, p.pollOrderActions(context.Background()))

	req, _ := cache.Get("ord-1")
	assert.Len(t, req.Order().Trades, 4)
	assert.Equal(t, types.StatusExpired, req.Status) // 4 x 0.5 fills the 2-lot
}

func TestReceiptConfirmsOrderPlacement(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	hash := common.HexToHash("0xa1")
	submitOrder(t, cache, "ord-1", hash, 10)
	fake.receipts[hash] = &dexproxy.Receipt{TxHash: hash, Status: dexproxy.ReceiptStatusSuccess, BlockNumber: 12, Slot: 12}

	require.NoError(t, p.pollPlaceTransactions(context.Background()))

	req, _ := cache.Get("ord-1")
	assert.Equal(t, types.StatusMined, req.Status)
	assert.False(t, req.AwaitingReceipt)
	assert.False(t, req.Terminal(), "a mined placement still waits for exchange records")
}

func TestReceiptRejectsReverted(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	hash := common.HexToHash("0xa1")
	submitOrder(t, cache, "ord-1", hash, 10)
	fake.receipts[hash] = &dexproxy.Receipt{
		TxHash: hash, Status: dexproxy.ReceiptStatusReverted,
		BlockNumber: 12, Slot: 12, Reason: "insufficient funds for order",
	}

	require.NoError(t, p.pollPlaceTransactions(context.Background()))

	req, _ := cache.Get("ord-1")
	assert.Equal(t, types.StatusRejected, req.Status)
	assert.Equal(t, types.ReasonInsufficientFunds, req.Reason)
}

func TestReceiptCompletesUtilityRequest(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	hash := common.HexToHash("0xb1")
	req := types.NewRequest("app-1", &types.Approve{Symbol: "USDC", Amount: "1000", ApproveContract: "0xdead"})
	require.NoError(t, cache.Add(req))
	require.NoError(t, cache.MarkSubmitted("app-1", types.TxRef{Hash: hash, Purpose: types.PurposeSubmit}, big.NewInt(1e9), nil, 10))
	fake.receipts[hash] = &dexproxy.Receipt{TxHash: hash, Status: dexproxy.ReceiptStatusSuccess, BlockNumber: 12, Slot: 12}

	require.NoError(t, p.pollPlaceTransactions(context.Background()))

	got, _ := cache.Get("app-1")
	assert.Equal(t, types.StatusSucceeded, got.Status)
}

func TestReceiptCancelPurposeCancels(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	placeHash := common.HexToHash("0xa1")
	cancelHash := common.HexToHash("0xa2")
	submitOrder(t, cache, "ord-1", placeHash, 10)
	require.NoError(t, cache.RecordReplacement("ord-1", types.TxRef{Hash: cancelHash, Purpose: types.PurposeCancel}, big.NewInt(2e9), types.IntentCancel))

	// Only the cancel confirmed; the higher block wins even if the original
	// placement also shows a receipt.
	fake.receipts[placeHash] = &dexproxy.Receipt{TxHash: placeHash, Status: dexproxy.ReceiptStatusSuccess, BlockNumber: 12, Slot: 12}
	fake.receipts[cancelHash] = &dexproxy.Receipt{TxHash: cancelHash, Status: dexproxy.ReceiptStatusSuccess, BlockNumber: 14, Slot: 14}

	require.NoError(t, p.pollPlaceTransactions(context.Background()))

	req, _ := cache.Get("ord-1")
	assert.Equal(t, types.StatusCancelled, req.Status)
}

func TestReceiptPendingIsRetried(t *testing.T) {
	fake := newFakeExchange()
	p, cache := newTestPoller(t, testConfig(), fake)

	hash := common.HexToHash("0xa1")
	submitOrder(t, cache, "ord-1", hash, 10)

	// No receipt yet: the request keeps waiting without an error.
	require.NoError(t, p.pollPlaceTransactions(context.Background()))
	req, _ := cache.Get("ord-1")
	assert.True(t, req.AwaitingReceipt)
	assert.Equal(t, types.StatusSubmitted, req.Status)
}

func TestObserveSlotIsMonotone(t *testing.T) {
	p, _ := newTestPoller(t, testConfig(), newFakeExchange())

	p.ObserveSlot(10)
	p.ObserveSlot(5)
	assert.Equal(t, uint64(10), p.LatestSlot())
	p.ObserveSlot(11)
	assert.Equal(t, uint64(11), p.LatestSlot())
}
