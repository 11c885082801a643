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

// Bridge is the payload for cross-chain token moves.
type Bridge struct {
	Symbol           string
	Amount           Decimal
	SourceChain      string
	DestinationChain string
	GasLimit         uint64
}

func (*Bridge) requestKind() Kind { return KindBridge }

func (b *Bridge) copyData() RequestData {
	cpy := *b
	return &cpy
}

// Validate checks the client-supplied bridge fields.
func (b *Bridge) Validate() error {
	if b.Symbol == "" {
		return errors.New("missing symbol")
	}
	if !b.Amount.Positive() {
		return fmt.Errorf("amount %q is not a positive decimal", b.Amount)
	}
	if b.SourceChain == "" || b.DestinationChain == "" {
		return errors.New("missing source or destination chain")
	}
	if b.SourceChain == b.DestinationChain {
		return errors.New("source and destination chain are identical")
	}
	return nil
}
