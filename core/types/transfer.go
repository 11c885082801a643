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

// TransferPath distinguishes the client flow a transfer came in through.
// Adapters route deposits and withdrawals differently from plain moves.
type TransferPath string

const (
	PathDeposit  TransferPath = "deposit"
	PathWithdraw TransferPath = "withdraw"
	PathTransfer TransferPath = "transfer"
)

// Valid reports whether p is a known transfer path.
func (p TransferPath) Valid() bool {
	switch p {
	case PathDeposit, PathWithdraw, PathTransfer:
		return true
	}
	return false
}

// Transfer is the payload for token moves: deposits into an exchange,
// withdrawals out of it, and transfers between accounts. An empty AddressTo
// means an exchange-internal move.
type Transfer struct {
	Symbol      string
	Amount      Decimal
	AddressTo   string
	GasLimit    uint64
	RequestPath TransferPath
}

func (*Transfer) requestKind() Kind { return KindTransfer }

func (t *Transfer) copyData() RequestData {
	cpy := *t
	return &cpy
}

// Validate checks the client-supplied transfer fields.
func (t *Transfer) Validate() error {
	if t.Symbol == "" {
		return errors.New("missing symbol")
	}
	if !t.Amount.Positive() {
		return fmt.Errorf("amount %q is not a positive decimal", t.Amount)
	}
	if !t.RequestPath.Valid() {
		return fmt.Errorf("unknown request_path %q", t.RequestPath)
	}
	return nil
}
