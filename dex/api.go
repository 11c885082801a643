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
	"net/http"

	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/types"
	"github.com/meridianxyz/dexproxy/rpc"
)

// RegisterAPI installs the proxy's REST surface on srv.
func (b *Backend) RegisterAPI(srv *rpc.Server) {
	srv.Register(http.MethodPost, "/private/insert-order", b.handleInsertOrder)
	srv.Register(http.MethodDelete, "/private/cancel-order", b.handleCancelOrder)
	srv.Register(http.MethodDelete, "/private/cancel-all-orders", b.handleCancelAllOrders)
	srv.Register(http.MethodGet, "/public/order", b.handleGetOrder)
	srv.Register(http.MethodGet, "/public/orders", b.handleGetOrders)

	srv.Register(http.MethodPost, "/private/approve-token", b.handleApproveToken)
	srv.Register(http.MethodPost, "/private/deposit", b.transferHandler(types.PathDeposit))
	srv.Register(http.MethodPost, "/private/withdraw", b.transferHandler(types.PathWithdraw))
	srv.Register(http.MethodPost, "/private/transfer", b.transferHandler(types.PathTransfer))
	srv.Register(http.MethodPost, "/private/wrap-unwrap-eth", b.handleWrapUnwrap)
	srv.Register(http.MethodPost, "/private/bridge", b.handleBridge)

	srv.Register(http.MethodPost, "/private/amend-request", b.handleAmendRequest)
	srv.Register(http.MethodPost, "/private/cancel-request", b.handleCancelRequest)
	srv.Register(http.MethodGet, "/public/get-request-status", b.handleRequestStatus)
	srv.Register(http.MethodGet, "/public/get-all-open-requests", b.handleOpenRequests)
	srv.Register(http.MethodGet, "/public/status", b.handleStatus)
}

// gasParam is the optional client-proposed gas price, a decimal wei string.
type gasParam string

func (g gasParam) parse() (*big.Int, error) {
	if g == "" {
		return nil, nil
	}
	wei, ok := new(big.Int).SetString(string(g), 10)
	if !ok || wei.Sign() <= 0 {
		return nil, core.NewDomainError(core.CodeInvalidRequest, "gas_price_wei %q is not a positive integer", g)
	}
	return wei, nil
}

type insertOrderParams struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	MarketType    types.MarketType `json:"market_type"`
	Side          types.Side       `json:"side"`
	OrderType     types.OrderType  `json:"order_type"`
	Price         types.Decimal    `json:"price"`
	Quantity      types.Decimal    `json:"quantity"`
}

func (b *Backend) handleInsertOrder(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params insertOrderParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	order := &types.Order{
		Symbol:     params.Symbol,
		MarketType: params.MarketType,
		Side:       params.Side,
		OrderType:  params.OrderType,
		Price:      params.Price,
		Quantity:   params.Quantity,
	}
	return b.InsertOrder(ctx, params.ClientOrderID, order)
}

type clientOrderIDParams struct {
	ClientOrderID string `json:"client_order_id"`
}

func (b *Backend) handleCancelOrder(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params clientOrderIDParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	if _, err := b.CancelOrder(ctx, params.ClientOrderID); err != nil {
		return nil, err
	}
	return clientOrderIDParams{ClientOrderID: params.ClientOrderID}, nil
}

func (b *Backend) handleCancelAllOrders(ctx context.Context, c *rpc.Call) (interface{}, error) {
	return b.CancelAllOrders(ctx)
}

func (b *Backend) handleGetOrder(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params clientOrderIDParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	return b.OrderSnapshot(params.ClientOrderID)
}

func (b *Backend) handleGetOrders(ctx context.Context, c *rpc.Call) (interface{}, error) {
	return b.OpenOrders(), nil
}

type approveParams struct {
	ClientRequestID string        `json:"client_request_id"`
	Symbol          string        `json:"symbol"`
	Amount          types.Decimal `json:"amount"`
	ApproveContract string        `json:"approve_contract_address"`
	GasLimit        uint64        `json:"gas_limit"`
	GasPriceWei     gasParam      `json:"gas_price_wei"`
}

func (b *Backend) handleApproveToken(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params approveParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	gas, err := params.GasPriceWei.parse()
	if err != nil {
		return nil, err
	}
	data := &types.Approve{
		Symbol:          params.Symbol,
		Amount:          params.Amount,
		ApproveContract: params.ApproveContract,
		GasLimit:        params.GasLimit,
	}
	return b.SubmitApproval(ctx, params.ClientRequestID, data, gas)
}

type transferParams struct {
	ClientRequestID string        `json:"client_request_id"`
	Symbol          string        `json:"symbol"`
	Amount          types.Decimal `json:"amount"`
	AddressTo       string        `json:"address_to"`
	GasLimit        uint64        `json:"gas_limit"`
	GasPriceWei     gasParam      `json:"gas_price_wei"`
}

// transferHandler builds the handler for one transfer flow; the route
// determines the request path.
func (b *Backend) transferHandler(path types.TransferPath) rpc.HandlerFunc {
	return func(ctx context.Context, c *rpc.Call) (interface{}, error) {
		var params transferParams
		if err := c.Decode(&params); err != nil {
			return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
		}
		gas, err := params.GasPriceWei.parse()
		if err != nil {
			return nil, err
		}
		data := &types.Transfer{
			Symbol:      params.Symbol,
			Amount:      params.Amount,
			AddressTo:   params.AddressTo,
			GasLimit:    params.GasLimit,
			RequestPath: path,
		}
		return b.SubmitTransfer(ctx, params.ClientRequestID, data, gas)
	}
}

type wrapUnwrapParams struct {
	ClientRequestID string              `json:"client_request_id"`
	Symbol          string              `json:"symbol"`
	Amount          types.Decimal       `json:"amount"`
	Direction       types.WrapDirection `json:"direction"`
	GasLimit        uint64              `json:"gas_limit"`
	GasPriceWei     gasParam            `json:"gas_price_wei"`
}

func (b *Backend) handleWrapUnwrap(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params wrapUnwrapParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	gas, err := params.GasPriceWei.parse()
	if err != nil {
		return nil, err
	}
	data := &types.WrapUnwrap{
		Symbol:    params.Symbol,
		Amount:    params.Amount,
		Direction: params.Direction,
		GasLimit:  params.GasLimit,
	}
	return b.SubmitWrapUnwrap(ctx, params.ClientRequestID, data, gas)
}

type bridgeParams struct {
	ClientRequestID  string        `json:"client_request_id"`
	Symbol           string        `json:"symbol"`
	Amount           types.Decimal `json:"amount"`
	SourceChain      string        `json:"source_chain"`
	DestinationChain string        `json:"destination_chain"`
	GasLimit         uint64        `json:"gas_limit"`
	GasPriceWei      gasParam      `json:"gas_price_wei"`
}

func (b *Backend) handleBridge(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params bridgeParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	gas, err := params.GasPriceWei.parse()
	if err != nil {
		return nil, err
	}
	data := &types.Bridge{
		Symbol:           params.Symbol,
		Amount:           params.Amount,
		SourceChain:      params.SourceChain,
		DestinationChain: params.DestinationChain,
		GasLimit:         params.GasLimit,
	}
	return b.SubmitBridge(ctx, params.ClientRequestID, data, gas)
}

type requestRefParams struct {
	ClientRequestID string   `json:"client_request_id"`
	GasPriceWei     gasParam `json:"gas_price_wei"`
}

func (b *Backend) handleAmendRequest(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params requestRefParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	gas, err := params.GasPriceWei.parse()
	if err != nil {
		return nil, err
	}
	return b.AmendRequest(ctx, params.ClientRequestID, gas)
}

func (b *Backend) handleCancelRequest(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params requestRefParams
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	gas, err := params.GasPriceWei.parse()
	if err != nil {
		return nil, err
	}
	return b.CancelRequest(ctx, params.ClientRequestID, gas)
}

func (b *Backend) handleRequestStatus(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params struct {
		ClientRequestID string `json:"client_request_id"`
	}
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	return b.RequestStatus(params.ClientRequestID)
}

func (b *Backend) handleOpenRequests(ctx context.Context, c *rpc.Call) (interface{}, error) {
	var params struct {
		RequestType types.Kind `json:"request_type"`
	}
	if err := c.Decode(&params); err != nil {
		return nil, core.WrapDomainError(core.CodeInvalidRequest, err)
	}
	return b.OpenRequests(params.RequestType)
}
