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
	"fmt"
	"math/big"
)

// PriceBump is the minimum percentage increase a replacement transaction
// must pay over the price it replaces.
const PriceBump = 10

var (
	big99  = big.NewInt(99)
	big100 = big.NewInt(100)
)

// BumpThreshold returns the minimum acceptable replacement gas price for
// prev: ceil((100+PriceBump)% of prev).
func BumpThreshold(prev *big.Int) *big.Int {
	threshold := new(big.Int).Mul(big.NewInt(100+PriceBump), prev)
	threshold.Add(threshold, big99)
	return threshold.Div(threshold, big100)
}

// GasPolicy validates gas prices against the replacement bump rule and the
// configured absolute cap.
type GasPolicy struct {
	// MaxPriceWei caps every proposed gas price. Nil or zero disables the cap.
	MaxPriceWei *big.Int
}

// CheckCap rejects prices above the configured maximum.
func (p GasPolicy) CheckCap(proposed *big.Int) error {
	if p.MaxPriceWei == nil || p.MaxPriceWei.Sign() == 0 {
		return nil
	}
	if proposed.Cmp(p.MaxPriceWei) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrGasCapExceeded, proposed, p.MaxPriceWei)
	}
	return nil
}

// CheckBump validates a replacement price against the last used price. A nil
// prev means no transaction was sent yet and only the cap applies.
func (p GasPolicy) CheckBump(prev, proposed *big.Int) error {
	if err := p.CheckCap(proposed); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if threshold := BumpThreshold(prev); proposed.Cmp(threshold) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBumpTooLow, proposed, threshold)
	}
	return nil
}
