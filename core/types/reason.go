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

// Reason is the normalized classification of an adapter or chain error. It is
// informational only and never drives state transitions by itself.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonTransportFailure   Reason = "TRANSPORT_FAILURE"
	ReasonWouldTake          Reason = "WOULD_TAKE"
	ReasonTradingRulesBreach Reason = "TRADING_RULES_BREACH"
	ReasonInvalidParameter   Reason = "INVALID_PARAMETER"
	ReasonInsufficientFunds  Reason = "INSUFFICIENT_FUNDS"
	ReasonExchangeRejection  Reason = "EXCHANGE_REJECTION"
	ReasonOrderNotFound      Reason = "ORDER_NOT_FOUND"
)
