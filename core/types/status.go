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

// Package types contains the data model shared by the proxy core, the status
// poller and the transport layer.
package types

// Status is the lifecycle state of a request. Transitions are forward only:
// NEW -> SUBMITTED -> MINED -> terminal. A terminal request never moves again.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusSubmitted Status = "SUBMITTED"
	StatusMined     Status = "MINED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// statusRank orders the non-terminal stages; all terminal states share the
// top rank so that no terminal state can replace another.
var statusRank = map[Status]int{
	StatusNew:       0,
	StatusSubmitted: 1,
	StatusMined:     2,
	StatusSucceeded: 3,
	StatusFailed:    3,
	StatusRejected:  3,
	StatusCancelled: 3,
	StatusExpired:   3,
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return statusRank[s] == 3
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvance reports whether a request in state s may move to state to.
// Moves are strictly forward and terminal states accept no successor.
func (s Status) CanAdvance(to Status) bool {
	sr, ok1 := statusRank[s]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	if s.Terminal() {
		return false
	}
	return tr > sr
}

// Intent records a client wish that does not move the request status until
// the corresponding replacement transaction mines.
type Intent string

const (
	IntentNone   Intent = ""
	IntentCancel Intent = "CANCEL_REQUESTED"
	IntentAmend  Intent = "AMEND_REQUESTED"
)
