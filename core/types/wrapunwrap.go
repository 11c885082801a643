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

// WrapDirection selects between wrapping the native token and unwrapping it.
type WrapDirection string

const (
	Wrap   WrapDirection = "wrap"
	Unwrap WrapDirection = "unwrap"
)

// Valid reports whether d is a known direction.
func (d WrapDirection) Valid() bool { return d == Wrap || d == Unwrap }

// WrapUnwrap is the payload for native-token wrap and unwrap calls.
type WrapUnwrap struct {
	Symbol    string
	Amount    Decimal
	Direction WrapDirection
	GasLimit  uint64
}

func (*WrapUnwrap) requestKind() Kind { return KindWrapUnwrap }

func (w *WrapUnwrap) copyData() RequestData {
	cpy := *w
	return &cpy
}

// Validate checks the client-supplied wrap fields.
func (w *WrapUnwrap) Validate() error {
	if w.Symbol == "" {
		return errors.New("missing symbol")
	}
	if !w.Amount.Positive() {
		return fmt.Errorf("amount %q is not a positive decimal", w.Amount)
	}
	if !w.Direction.Valid() {
		return fmt.Errorf("unknown direction %q", w.Direction)
	}
	return nil
}
