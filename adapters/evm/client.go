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

// Package evm wraps an EVM JSON-RPC endpoint into the chain capabilities
// the proxy core consumes: nonce reads for the nonce manager, receipt
// lookups for the status poller and fast gas price suggestions. Concrete
// EVM adapters embed a Client next to their exchange-specific transport.
package evm

import (
	"context"
	"errors"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	dexproxy "github.com/meridianxyz/dexproxy"
)

// Client reads chain state from an EVM node.
type Client struct {
	ec *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Client{ec: ec}, nil
}

// NewClient wraps an existing ethclient connection.
func NewClient(ec *ethclient.Client) *Client { return &Client{ec: ec} }

// Close terminates the underlying RPC connection.
func (c *Client) Close() { c.ec.Close() }

// NonceAt returns the latest confirmed nonce of the account.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.ec.NonceAt(ctx, account, nil)
}

// PendingNonceAt returns the account nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.ec.PendingNonceAt(ctx, account)
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ec.SuggestGasPrice(ctx)
}

// TransactionReceipt normalizes the node's receipt for the status poller.
// Pending transactions map to NotFound. EVM receipts carry no revert
// reason, so reverted submissions classify through the empty string.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*dexproxy.Receipt, error) {
	receipt, err := c.ec.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, dexproxy.NotFound
	}
	if err != nil {
		return nil, err
	}
	out := &dexproxy.Receipt{
		TxHash: txHash,
		Status: receipt.Status,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
		out.Slot = out.BlockNumber
	}
	return out, nil
}
