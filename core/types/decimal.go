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
	"fmt"
	"math/big"
	"strings"
)

// Decimal is an arbitrary-precision decimal number carried in its string
// form, which is also how prices and quantities travel in JSON. Arithmetic
// goes through big.Rat so that executed-quantity sums stay exact.
type Decimal string

// maxDecimalDigits bounds the fractional digits produced when formatting a
// non-terminating ratio back into a Decimal.
const maxDecimalDigits = 18

// Rat parses d into a big.Rat. The boolean is false for malformed input.
func (d Decimal) Rat() (*big.Rat, bool) {
	if d == "" {
		return nil, false
	}
	return new(big.Rat).SetString(string(d))
}

// IsZero reports whether d parses to exactly zero. Malformed input is not
// zero.
func (d Decimal) IsZero() bool {
	r, ok := d.Rat()
	return ok && r.Sign() == 0
}

// Positive reports whether d parses to a value strictly greater than zero.
func (d Decimal) Positive() bool {
	r, ok := d.Rat()
	return ok && r.Sign() > 0
}

// Cmp compares d against other, returning -1, 0 or +1. It panics on
// malformed input; callers validate decimals at the transport boundary.
func (d Decimal) Cmp(other Decimal) int {
	a, ok := d.Rat()
	if !ok {
		panic(fmt.Sprintf("malformed decimal %q", d))
	}
	b, ok := other.Rat()
	if !ok {
		panic(fmt.Sprintf("malformed decimal %q", other))
	}
	return a.Cmp(b)
}

// Add returns d+other in canonical form.
func (d Decimal) Add(other Decimal) Decimal {
	a, ok := d.Rat()
	if !ok {
		panic(fmt.Sprintf("malformed decimal %q", d))
	}
	b, ok := other.Rat()
	if !ok {
		panic(fmt.Sprintf("malformed decimal %q", other))
	}
	return RatDecimal(new(big.Rat).Add(a, b))
}

// RatDecimal formats r canonically: integers without a fractional part,
// everything else with trailing zeros trimmed.
func RatDecimal(r *big.Rat) Decimal {
	if r.IsInt() {
		return Decimal(r.Num().String())
	}
	s := r.FloatString(maxDecimalDigits)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return Decimal(s)
}
