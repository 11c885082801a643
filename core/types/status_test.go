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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusRejected, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s", s)
	}
	for _, s := range []Status{StatusNew, StatusSubmitted, StatusMined} {
		assert.False(t, s.Terminal(), "status %s", s)
	}
}

func TestStatusCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusSubmitted, true},
		{StatusNew, StatusFailed, true},
		{StatusSubmitted, StatusMined, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusMined, StatusSucceeded, true},
		{StatusMined, StatusExpired, true},
		{StatusSubmitted, StatusNew, false},
		{StatusMined, StatusSubmitted, false},
		{StatusMined, StatusMined, false},
		{StatusCancelled, StatusSucceeded, false},
		{StatusExpired, StatusCancelled, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusNew, Status("BOGUS"), false},
		{Status("BOGUS"), StatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanAdvance(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
