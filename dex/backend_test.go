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
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/adapters/simulated"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/types"
	"github.com/meridianxyz/dexproxy/dex/dexconfig"
	"github.com/meridianxyz/dexproxy/internal/testlog"
	"github.com/meridianxyz/dexproxy/poller"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// newTestBackend runs a backend against the simulated exchange with the
// polling cranked up so lifecycle tests settle quickly.
func newTestBackend(t *testing.T, mutate func(*dexconfig.Config)) *Backend {
	t.Helper()
	cfg := dexconfig.Defaults
	cfg.Poller = poller.Config{
		OrderRecordsInterval: 10 * time.Millisecond,
		DelayAfterSubmit:     time.Nanosecond,
		ActionsInterval:      10 * time.Millisecond,
		RefreshAfter:         time.Nanosecond,
		ReceiptsInterval:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	logger := testlog.Logger(t, log.LevelDebug)
	ex := simulated.New(logger)
	b := New(cfg, ex, ex, nil, logger)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

// freezeReceipts parks the receipt and action tasks so submitted utility
// requests stay live for the duration of a test.
func freezeReceipts(cfg *dexconfig.Config) {
	cfg.Poller.ReceiptsInterval = time.Hour
	cfg.Poller.ActionsInterval = time.Hour
}

func gtcOrder(symbol string, side types.Side, price, qty types.Decimal) *types.Order {
	return &types.Order{
		Symbol: symbol, MarketType: types.Perp, Side: side,
		OrderType: types.GTC, Price: price, Quantity: qty,
	}
}

func waitStatus(t *testing.T, b *Backend, id string, want types.Status) *types.Request {
	t.Helper()
	var req *types.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = b.RequestStatus(id)
		return err == nil && req.Status == want
	}, waitFor, tick, "request %s never reached %s", id, want)
	return req
}

func TestOrderLifecycleCancel(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	result, err := b.InsertOrder(ctx, "ord-1", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", result.ClientRequestID)
	assert.NotEmpty(t, result.TxHash)
	// The simulated exchange acknowledges through its records, not the
	// submission ack.
	assert.Empty(t, result.ExchangeOrderID)

	// The record poll binds the exchange order id; the receipt poll confirms
	// the placing transaction.
	require.Eventually(t, func() bool {
		req, err := b.OrderSnapshot("ord-1")
		return err == nil && req.Order().ExchangeOrderID != "" && req.Status == types.StatusMined
	}, waitFor, tick)

	_, err = b.CancelOrder(ctx, "ord-1")
	require.NoError(t, err)

	req := waitStatus(t, b, "ord-1", types.StatusCancelled)
	assert.Equal(t, types.IntentCancel, req.Intent)
	assert.Empty(t, b.OpenOrders())

	// The terminal snapshot stays queryable and the cancel is idempotent in
	// its outcome: a second cancel reports the order gone.
	_, err = b.CancelOrder(ctx, "ord-1")
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeOrderNotFound, derr.Code)
}

func TestIOCFullFillExpires(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	_, err := b.InsertOrder(ctx, "maker", gtcOrder("ETH-SPOT", types.Sell, "2000", "1"))
	require.NoError(t, err)

	taker := gtcOrder("ETH-SPOT", types.Buy, "2000", "1")
	taker.OrderType = types.IOC
	_, err = b.InsertOrder(ctx, "taker", taker)
	require.NoError(t, err)

	// A fully filled order terminates as EXPIRED, never CANCELLED.
	req := waitStatus(t, b, "taker", types.StatusExpired)
	require.Len(t, req.Order().Trades, 1)
	assert.True(t, req.Order().Filled())
	assert.Equal(t, types.Taker, req.Order().Trades[0].Liquidity)

	maker := waitStatus(t, b, "maker", types.StatusExpired)
	assert.True(t, maker.Order().Filled())
	assert.Equal(t, types.Maker, maker.Order().Trades[0].Liquidity)

	// Both sides share the trade id.
	assert.Equal(t, req.Order().Trades[0].TradeID, maker.Order().Trades[0].TradeID)
}

func TestDuplicateClientOrderID(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	_, err := b.InsertOrder(ctx, "dup", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)

	_, err = b.InsertOrder(ctx, "dup", gtcOrder("SOL-PERP", types.Buy, "101", "1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already known")
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeDuplicateRequest, derr.Code)
}

func TestRejectedSubmitRecyclesNonce(t *testing.T) {
	b := newTestBackend(t, func(cfg *dexconfig.Config) { freezeReceipts(cfg) })
	ctx := context.Background()

	// The first order consumes nonce 0.
	_, err := b.InsertOrder(ctx, "maker", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)
	maker, err := b.RequestStatus("maker")
	require.NoError(t, err)
	require.NotNil(t, maker.Nonce)
	assert.Equal(t, uint64(0), *maker.Nonce)

	// A post-only order that would take is rejected by the exchange before
	// anything hits the chain; its reserved nonce goes back to the pool.
	po := gtcOrder("SOL-PERP", types.Sell, "90", "1")
	po.OrderType = types.GTCPostOnly
	_, err = b.InsertOrder(ctx, "po", po)
	require.Error(t, err)
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.ErrorCode(types.ReasonWouldTake), derr.Code)

	failed, err := b.RequestStatus("po")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Nil(t, failed.Nonce)

	// The next submission reuses the released nonce.
	_, err = b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, nil)
	require.NoError(t, err)
	ap, err := b.RequestStatus("ap")
	require.NoError(t, err)
	require.NotNil(t, ap.Nonce)
	assert.Equal(t, uint64(1), *ap.Nonce)
}

func TestAmendRequestBumpRule(t *testing.T) {
	b := newTestBackend(t, func(cfg *dexconfig.Config) { freezeReceipts(cfg) })
	ctx := context.Background()

	_, err := b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, big.NewInt(1_000_000_000))
	require.NoError(t, err)

	// 5% over the last price is below the replacement threshold.
	_, err = b.AmendRequest(ctx, "ap", big.NewInt(1_050_000_000))
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeInvalidRequest, derr.Code)

	// Exactly 10% over clears it.
	_, err = b.AmendRequest(ctx, "ap", big.NewInt(1_100_000_000))
	require.NoError(t, err)

	req, err := b.RequestStatus("ap")
	require.NoError(t, err)
	assert.Equal(t, types.IntentAmend, req.Intent)
	assert.Len(t, req.TxRefs, 2)
	assert.Equal(t, 0, req.LastGasPrice().Cmp(big.NewInt(1_100_000_000)))

	// The threshold moves with the last price: re-sending the same value is
	// now below the next bump.
	_, err = b.AmendRequest(ctx, "ap", big.NewInt(1_100_000_000))
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeInvalidRequest, derr.Code)
	req, _ = b.RequestStatus("ap")
	assert.Len(t, req.TxRefs, 2)
}

func TestGasCap(t *testing.T) {
	b := newTestBackend(t, func(cfg *dexconfig.Config) {
		freezeReceipts(cfg)
		cfg.GasCapWei = big.NewInt(1_500_000_000)
	})
	ctx := context.Background()

	// A proposal over the cap is refused before the id is burned.
	_, err := b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, big.NewInt(2_000_000_000))
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeGasCapExceeded, derr.Code)

	_, err = b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, big.NewInt(1_000_000_000))
	require.NoError(t, err)

	// An amend that clears the bump but breaks the cap is refused too.
	_, err = b.AmendRequest(ctx, "ap", big.NewInt(2_000_000_000))
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeGasCapExceeded, derr.Code)
}

func TestCancelRequestReplacesTransaction(t *testing.T) {
	b := newTestBackend(t, func(cfg *dexconfig.Config) { freezeReceipts(cfg) })
	ctx := context.Background()

	_, err := b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, big.NewInt(1_000_000_000))
	require.NoError(t, err)

	result, err := b.CancelRequest(ctx, "ap", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxHash)

	req, err := b.RequestStatus("ap")
	require.NoError(t, err)
	assert.Equal(t, types.IntentCancel, req.Intent)
	require.Len(t, req.TxRefs, 2)
	assert.Equal(t, types.PurposeCancel, req.TxRefs[1].Purpose)
	// The replacement pays at least the fast-priority price.
	assert.True(t, req.LastGasPrice().Cmp(big.NewInt(2_000_000_000)) >= 0)

	// A second cancel escalates: the target bumps over the standing
	// replacement price.
	result, err = b.CancelRequest(ctx, "ap", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.TxHash)
	req, _ = b.RequestStatus("ap")
	assert.Len(t, req.TxRefs, 3)
	assert.Equal(t, 0, req.LastGasPrice().Cmp(big.NewInt(2_200_000_000)))
}

func TestCancelAllOrders(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	_, err := b.InsertOrder(ctx, "a", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)
	_, err = b.InsertOrder(ctx, "b", gtcOrder("ETH-SPOT", types.Buy, "2000", "1"))
	require.NoError(t, err)

	result, err := b.CancelAllOrders(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, result.Cancelled)
	assert.Empty(t, result.Failed)
	assert.NotZero(t, result.SendTimestampNs)

	waitStatus(t, b, "a", types.StatusCancelled)
	waitStatus(t, b, "b", types.StatusCancelled)
}

func TestOpenRequestsFilter(t *testing.T) {
	b := newTestBackend(t, func(cfg *dexconfig.Config) { freezeReceipts(cfg) })
	ctx := context.Background()

	_, err := b.InsertOrder(ctx, "ord", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)
	_, err = b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, nil)
	require.NoError(t, err)

	approvals, err := b.OpenRequests(types.KindApprove)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "ap", approvals[0].ClientRequestID)

	all, err := b.OpenRequests("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = b.OpenRequests("BOGUS")
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeInvalidRequest, derr.Code)
}

func TestUtilityRequestSucceedsOnReceipt(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	_, err := b.SubmitTransfer(ctx, "tr", &types.Transfer{
		Symbol: "USDC", Amount: "50", AddressTo: "0xbeef", RequestPath: types.PathWithdraw,
	}, nil)
	require.NoError(t, err)

	// The simulated chain confirms instantly; the receipt poll completes the
	// withdrawal.
	waitStatus(t, b, "tr", types.StatusSucceeded)
}

func TestInvalidOrderRejectedBeforeCache(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()

	_, err := b.InsertOrder(ctx, "bad", &types.Order{
		Symbol: "SOL-PERP", Side: "SIDEWAYS", OrderType: types.GTC, Price: "100", Quantity: "1",
	})
	var derr *core.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, core.CodeInvalidRequest, derr.Code)

	// Validation failures never burn the id.
	_, err = b.InsertOrder(ctx, "bad", gtcOrder("SOL-PERP", types.Buy, "100", "1"))
	require.NoError(t, err)
}

// gatedExchange holds each approval submission at the adapter boundary until
// the test opens the gate, exposing the window where a request is cached but
// the submit call has not returned yet.
type gatedExchange struct {
	*simulated.Exchange
	gate chan struct{}
}

func (g *gatedExchange) SubmitApproval(ctx context.Context, req *types.Request, gasPriceWei *big.Int) (*dexproxy.Submission, error) {
	<-g.gate
	return g.Exchange.SubmitApproval(ctx, req, gasPriceWei)
}

func TestCancelDuringSubmitReleasesNonce(t *testing.T) {
	logger := testlog.Logger(t, log.LevelDebug)
	ex := &gatedExchange{Exchange: simulated.New(logger), gate: make(chan struct{})}
	b := New(dexconfig.Defaults, ex, ex.Exchange, nil, logger)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := b.SubmitApproval(ctx, "ap", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		req, err := b.RequestStatus("ap")
		return err == nil && req.Status == types.StatusNew
	}, waitFor, tick)

	// Nothing was sent from the cache's point of view, so the cancel
	// finalises locally while the submit still sits with the adapter.
	_, err := b.CancelRequest(ctx, "ap", nil)
	require.NoError(t, err)
	req, err := b.RequestStatus("ap")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, req.Status)

	close(ex.gate)
	require.NoError(t, <-done)

	// The nonce reserved for the dead submission is back in the pool: the
	// next request gets nonce 0, not 1.
	_, err = b.SubmitApproval(ctx, "ap2", &types.Approve{Symbol: "USDC", Amount: "100", ApproveContract: "0xdead"}, nil)
	require.NoError(t, err)
	next, err := b.RequestStatus("ap2")
	require.NoError(t, err)
	require.NotNil(t, next.Nonce)
	assert.Equal(t, uint64(0), *next.Nonce)
}
