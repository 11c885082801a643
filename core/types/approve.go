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

// Approve is the payload for token allowance grants.
type Approve struct {
	Symbol          string
	Amount          Decimal
	ApproveContract string
	GasLimit        uint64
}

func (*Approve) requestKind() Kind { return KindApprove }

func (a *Approve) copyData() RequestData {
	cpy := *a
	return &cpy
}

// Validate checks the client-supplied approval fields.
func (a *Approve) Validate() error {
	if a.Symbol == "" {
		return errors.New("missing symbol")
	}
	if !a.Amount.Positive() {
		return fmt.Errorf("amount %q is not a positive decimal", a.Amount)
	}
	if a.ApproveContract == "" {
		return errors.New("missing approve_contract_address")
	}
	return nil
}
