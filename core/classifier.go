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
	"strings"

	"github.com/meridianxyz/dexproxy/core/types"
)

// ClassifierRule maps an error-message substring to a normalized reason.
type ClassifierRule struct {
	Substr string
	Reason types.Reason
}

// Classifier normalizes free-text adapter and chain errors into the closed
// reason enum. Rules are applied in declared order; the first match wins.
// Classification is informational only.
type Classifier struct {
	rules []ClassifierRule
}

// DefaultClassifierRules is the built-in table. Adapters may prepend their
// own rules; more specific entries go before generic ones.
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{"order not found", types.ReasonOrderNotFound},
		{"unknown order", types.ReasonOrderNotFound},
		{"order does not exist", types.ReasonOrderNotFound},
		{"post only", types.ReasonWouldTake},
		{"post-only", types.ReasonWouldTake},
		{"would take", types.ReasonWouldTake},
		{"would cross", types.ReasonWouldTake},
		{"insufficient funds", types.ReasonInsufficientFunds},
		{"insufficient balance", types.ReasonInsufficientFunds},
		{"insufficient margin", types.ReasonInsufficientFunds},
		{"min notional", types.ReasonTradingRulesBreach},
		{"lot size", types.ReasonTradingRulesBreach},
		{"tick size", types.ReasonTradingRulesBreach},
		{"price filter", types.ReasonTradingRulesBreach},
		{"reduce only", types.ReasonTradingRulesBreach},
		{"position limit", types.ReasonTradingRulesBreach},
		{"max leverage", types.ReasonTradingRulesBreach},
		{"invalid", types.ReasonInvalidParameter},
		{"malformed", types.ReasonInvalidParameter},
		{"bad request", types.ReasonInvalidParameter},
		{"timeout", types.ReasonTransportFailure},
		{"timed out", types.ReasonTransportFailure},
		{"deadline exceeded", types.ReasonTransportFailure},
		{"connection refused", types.ReasonTransportFailure},
		{"connection reset", types.ReasonTransportFailure},
		{"eof", types.ReasonTransportFailure},
		{"bad gateway", types.ReasonTransportFailure},
		{"service unavailable", types.ReasonTransportFailure},
	}
}

// NewClassifier builds a classifier from extra adapter rules followed by the
// default table.
func NewClassifier(extra ...ClassifierRule) *Classifier {
	return &Classifier{rules: append(extra, DefaultClassifierRules()...)}
}

// Classify maps msg to a reason. The empty string is a transport failure by
// definition; unmatched messages fall back to EXCHANGE_REJECTION.
func (c *Classifier) Classify(msg string) types.Reason {
	if msg == "" {
		return types.ReasonTransportFailure
	}
	lowered := strings.ToLower(msg)
	for _, rule := range c.rules {
		if strings.Contains(lowered, strings.ToLower(rule.Substr)) {
			return rule.Reason
		}
	}
	return types.ReasonExchangeRejection
}

// ClassifyErr is Classify for error values; nil maps to no reason.
func (c *Classifier) ClassifyErr(err error) types.Reason {
	if err == nil {
		return types.ReasonNone
	}
	return c.Classify(err.Error())
}
