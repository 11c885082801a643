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

package core

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianxyz/dexproxy/core/types"
	"github.com/meridianxyz/dexproxy/internal/testlog"
)

func newTestCache(t *testing.T) *RequestCache {
	return NewRequestCache(DefaultCacheConfig, nil, testlog.Logger(t, log.LevelDebug))
}

func newTestOrder(id string) *types.Request {
	return types.NewRequest(id, &types.Order{
		Symbol: "SOL-PERP", MarketType: types.Perp, Side: types.Sell,
		OrderType: types.GTCPostOnly, Price: "999", Quantity: "0.01",
	})
}

func nextEvent(t *testing.T, ch chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestCacheRejectsDuplicateID(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Add(newTestOrder("abc")))
	err := c.Add(newTestOrder("abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already known")

	var derr *DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, CodeDuplicateRequest, derr.Code)
	assert.Equal(t, 1, c.OpenCount())
}

func TestCacheDuplicateAfterFinalise(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Add(newTestOrder("abc")))
	done, err := c.Finalise("abc", types.StatusCancelled, types.ReasonNone)
	require.NoError(t, err)
	assert.True(t, done)

	// Ids stay burned while the finalised request is retained.
	err = c.Add(newTestOrder("abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already known")

	got, ok := c.Get("abc")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestCacheIndices(t *testing.T) {
	c := newTestCache(t)
	nonce := uint64(5)

	require.NoError(t, c.Add(newTestOrder("ord-1")))
	require.NoError(t, c.MarkSubmitted("ord-1", types.TxRef{Hash: common.HexToHash("0x01"), Purpose: types.PurposeSubmit}, big.NewInt(1_000_000_000), &nonce, 100))
	require.NoError(t, c.SetExchangeOrderID("ord-1", "ex-7", 101))

	byNonce, ok := c.GetByNonce(5)
	require.True(t, ok)
	assert.Equal(t, "ord-1", byNonce.ClientRequestID)
	assert.Equal(t, types.StatusSubmitted, byNonce.Status)
	assert.True(t, byNonce.AwaitingReceipt)

	byExch, ok := c.GetByExchangeOrderID("ex-7")
	require.True(t, ok)
	assert.Equal(t, "ord-1", byExch.ClientRequestID)

	max, ok := c.MaxNonce()
	require.True(t, ok)
	assert.Equal(t, uint64(5), max)

	// Finalising detaches the live indices but keeps the id burned and the
	// nonce visible through the retention window.
	_, err := c.Finalise("ord-1", types.StatusCancelled, types.ReasonNone)
	require.NoError(t, err)
	_, ok = c.GetByNonce(5)
	assert.False(t, ok)
	_, ok = c.GetByExchangeOrderID("ex-7")
	assert.False(t, ok)
	max, ok = c.MaxNonce()
	require.True(t, ok)
	assert.Equal(t, uint64(5), max)
}

func TestCacheOpenByKind(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Add(newTestOrder("o1")))
	require.NoError(t, c.Add(newTestOrder("o2")))
	require.NoError(t, c.Add(types.NewRequest("a1", &types.Approve{
		Symbol: "USDC", Amount: "100", ApproveContract: "0xdead",
	})))

	assert.Len(t, c.Open(types.KindOrder), 2)
	assert.Len(t, c.Open(types.KindApprove), 1)
	assert.Len(t, c.Open(types.KindBridge), 0)
	assert.Len(t, c.Open(""), 3)

	_, err := c.Finalise("o1", types.StatusFailed, types.ReasonTransportFailure)
	require.NoError(t, err)
	assert.Len(t, c.Open(types.KindOrder), 1)
}

func TestCacheTerminalIsFrozen(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Add(newTestOrder("ord-1")))

	done, err := c.Finalise("ord-1", types.StatusExpired, types.ReasonNone)
	require.NoError(t, err)
	require.True(t, done)
	first, _ := c.Get("ord-1")

	// Any further finalise attempt is absorbed.
	done, err = c.Finalise("ord-1", types.StatusCancelled, types.ReasonOrderNotFound)
	require.NoError(t, err)
	assert.False(t, done)

	second, _ := c.Get("ord-1")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, first.FinalisedAt, second.FinalisedAt)
}

func TestCacheApplyTradeLifecycle(t *testing.T) {
	c := newTestCache(t)
	c.Start()
	defer c.Stop()

	ch := make(chan types.Event, 16)
	sub := c.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	require.NoError(t, c.Add(newTestOrder("123")))
	require.NoError(t, c.MarkSubmitted("123", types.TxRef{Hash: common.HexToHash("0xaa"), Purpose: types.PurposeSubmit}, big.NewInt(1_000_000_000), nil, 0))
	require.NoError(t, c.SetExchangeOrderID("123", "ex-1", 0))

	ev := nextEvent(t, ch)
	require.Equal(t, types.ChannelOrder, ev.Channel)
	orderEv := ev.Data.(types.OrderEvent)
	assert.Equal(t, "OPEN", orderEv.Status)
	assert.Equal(t, "123", orderEv.ClientOrderID)

	applied, err := c.ApplyTrade("123", types.Trade{TradeID: "t1", ExecPrice: "999", ExecQty: "0.004", Liquidity: types.Maker})
	require.NoError(t, err)
	require.True(t, applied)

	ev = nextEvent(t, ch)
	require.Equal(t, types.ChannelTrade, ev.Channel)
	tradeEv := ev.Data.(types.TradeEvent)
	assert.Equal(t, "t1", tradeEv.TradeID)

	// Duplicate fills are dropped silently.
	applied, err = c.ApplyTrade("123", types.Trade{TradeID: "t1", ExecQty: "0.004"})
	require.NoError(t, err)
	assert.False(t, applied)

	// The completing fill expires the order: a TRADE event then the final
	// ORDER event with executed == quantity.
	applied, err = c.ApplyTrade("123", types.Trade{TradeID: "t2", ExecPrice: "999", ExecQty: "0.006", Liquidity: types.Taker})
	require.NoError(t, err)
	require.True(t, applied)

	ev = nextEvent(t, ch)
	require.Equal(t, types.ChannelTrade, ev.Channel)
	ev = nextEvent(t, ch)
	require.Equal(t, types.ChannelOrder, ev.Channel)
	orderEv = ev.Data.(types.OrderEvent)
	assert.Equal(t, string(types.StatusExpired), orderEv.Status)
	assert.Equal(t, orderEv.Quantity, orderEv.TotalExecQuantity)

	got, _ := c.Get("123")
	assert.Equal(t, types.StatusExpired, got.Status)

	// Late cancels lose against the full fill.
	done, err := c.Finalise("123", types.StatusCancelled, types.ReasonNone)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCacheNonOrderEvents(t *testing.T) {
	c := newTestCache(t)
	c.Start()
	defer c.Stop()

	ch := make(chan types.Event, 16)
	sub := c.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	nonce := uint64(3)
	require.NoError(t, c.Add(types.NewRequest("ap-1", &types.Approve{
		Symbol: "USDC", Amount: "1000", ApproveContract: "0xdead", GasLimit: 60000,
	})))
	require.NoError(t, c.MarkSubmitted("ap-1", types.TxRef{Hash: common.HexToHash("0xbb"), Purpose: types.PurposeSubmit}, big.NewInt(1_000_000_000), &nonce, 0))

	ev := nextEvent(t, ch)
	require.Equal(t, types.ChannelRequest, ev.Channel)
	reqEv := ev.Data.(types.RequestEvent)
	assert.Equal(t, types.StatusSubmitted, reqEv.Status)

	require.NoError(t, c.MarkMined("ap-1"))
	got, _ := c.Get("ap-1")
	assert.Equal(t, types.StatusMined, got.Status)
	assert.False(t, got.AwaitingReceipt)

	_, err := c.Finalise("ap-1", types.StatusSucceeded, types.ReasonNone)
	require.NoError(t, err)
	ev = nextEvent(t, ch)
	reqEv = ev.Data.(types.RequestEvent)
	assert.Equal(t, types.StatusSucceeded, reqEv.Status)
}

func TestCacheEventOrderIsMonotone(t *testing.T) {
	c := newTestCache(t)
	c.Start()
	defer c.Stop()

	ch := make(chan types.Event, 64)
	sub := c.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	require.NoError(t, c.Add(newTestOrder("m1")))
	require.NoError(t, c.SetExchangeOrderID("m1", "ex-m1", 0))
	for i, qty := range []types.Decimal{"0.004", "0.006"} {
		_, err := c.ApplyTrade("m1", types.Trade{TradeID: string(rune('a' + i)), ExecQty: qty})
		require.NoError(t, err)
	}

	var statuses []string
	for i := 0; i < 4; i++ {
		ev := nextEvent(t, ch)
		if ev.Channel == types.ChannelOrder {
			statuses = append(statuses, ev.Data.(types.OrderEvent).Status)
		}
	}
	require.Equal(t, []string{"OPEN", string(types.StatusExpired)}, statuses)
}

type recordingWriter struct {
	mu   sync.Mutex
	puts []*types.Request
}

func (w *recordingWriter) PutRequest(req *types.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts = append(w.puts, req)
	return nil
}

func (w *recordingWriter) snapshot() []*types.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*types.Request(nil), w.puts...)
}

func TestCacheWriteThrough(t *testing.T) {
	writer := new(recordingWriter)
	c := NewRequestCache(DefaultCacheConfig, writer, testlog.Logger(t, log.LevelDebug))
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Add(newTestOrder("w1")))
	_, err := c.Finalise("w1", types.StatusFailed, types.ReasonTransportFailure)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(writer.snapshot()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	puts := writer.snapshot()
	assert.Equal(t, types.StatusNew, puts[0].Status)
	last := puts[len(puts)-1]
	assert.Equal(t, types.StatusFailed, last.Status)
	assert.Equal(t, types.ReasonTransportFailure, last.Reason)
	assert.False(t, last.FinalisedAt.IsZero())
}

func TestCacheReload(t *testing.T) {
	c := newTestCache(t)

	nonce := uint64(11)
	live := newTestOrder("live-1")
	live.Status = types.StatusSubmitted
	live.Nonce = &nonce
	live.Order().ExchangeOrderID = "ex-live"

	done := newTestOrder("done-1")
	done.Status = types.StatusCancelled
	done.FinalisedAt = time.Now()

	active, terminal := c.Reload([]*types.Request{live, done})
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, terminal)

	_, ok := c.GetByNonce(11)
	assert.True(t, ok)
	_, ok = c.GetByExchangeOrderID("ex-live")
	assert.True(t, ok)

	got, ok := c.Get("done-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Error(t, c.Add(newTestOrder("done-1")), "reloaded terminal ids stay burned")
	assert.Equal(t, 1, c.OpenCount())
}

func TestCacheSweepsStuckNew(t *testing.T) {
	cfg := DefaultCacheConfig
	cfg.InsertTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	c := NewRequestCache(cfg, nil, testlog.Logger(t, log.LevelDebug))
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Add(newTestOrder("stuck")))
	require.Eventually(t, func() bool {
		r, ok := c.Get("stuck")
		return ok && r.Status == types.StatusFailed && r.Reason == types.ReasonTransportFailure
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheReplacementGasMonotone(t *testing.T) {
	c := newTestCache(t)
	nonce := uint64(1)

	require.NoError(t, c.Add(newTestOrder("ord-1")))
	require.NoError(t, c.MarkSubmitted("ord-1", types.TxRef{Hash: common.HexToHash("0x01"), Purpose: types.PurposeSubmit}, big.NewInt(1_000_000_000), &nonce, 10))
	require.NoError(t, c.RecordReplacement("ord-1", types.TxRef{Hash: common.HexToHash("0x02"), Purpose: types.PurposeCancel}, big.NewInt(2_000_000_000), types.IntentCancel))

	// A price below the bump over the standing 2 gwei is refused even though
	// it clears the original 1 gwei: the check runs against the request's
	// current price, not against whatever snapshot the caller validated.
	err := c.RecordReplacement("ord-1", types.TxRef{Hash: common.HexToHash("0x03"), Purpose: types.PurposeCancel}, big.NewInt(1_200_000_000), types.IntentCancel)
	require.ErrorIs(t, err, ErrBumpTooLow)

	req, ok := c.Get("ord-1")
	require.True(t, ok)
	require.Len(t, req.TxRefs, 2)
	assert.Equal(t, 0, req.LastGasPrice().Cmp(big.NewInt(2_000_000_000)))

	// Exactly the threshold is accepted, keeping the recorded sequence
	// strictly escalating.
	require.NoError(t, c.RecordReplacement("ord-1", types.TxRef{Hash: common.HexToHash("0x04"), Purpose: types.PurposeCancel}, big.NewInt(2_200_000_000), types.IntentCancel))
	req, _ = c.Get("ord-1")
	assert.Equal(t, 0, req.LastGasPrice().Cmp(big.NewInt(2_200_000_000)))
}

func TestCacheOpenUnknownKind(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Add(newTestOrder("ord-1")))

	assert.Empty(t, c.Open(types.Kind("SETTLEMENT")))
	assert.Len(t, c.Open(types.KindOrder), 1)
	assert.Len(t, c.Open(""), 1)
}
