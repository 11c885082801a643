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
	"errors"
	"fmt"
)

// ErrAlreadyKnown is returned when a client request id was seen before.
// Clients match on the "already known" phrase, keep it stable.
var ErrAlreadyKnown = errors.New("already known")

// ErrBumpTooLow is returned when a proposed replacement gas price does not
// clear the bump threshold over the previous price.
var ErrBumpTooLow = errors.New("replacement gas price too low")

// ErrGasCapExceeded is returned when a proposed gas price exceeds the
// configured maximum.
var ErrGasCapExceeded = errors.New("gas price exceeds configured cap")

// ErrorCode is the closed set of domain error codes surfaced to clients in
// {error_code, error_message} bodies.
type ErrorCode string

const (
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeDuplicateRequest    ErrorCode = "DUPLICATE_REQUEST"
	CodeOrderNotFound       ErrorCode = "ORDER_NOT_FOUND"
	CodeGasCapExceeded      ErrorCode = "GAS_CAP_EXCEEDED"
	CodeNotSupported        ErrorCode = "NOT_SUPPORTED"
	CodeTransportFailure    ErrorCode = "TRANSPORT_FAILURE"
	CodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// DomainError pairs an ErrorCode with a human-readable message. The
// transport layer maps codes to HTTP statuses.
type DomainError struct {
	Code    ErrorCode
	Message string
	err     error // wrapped cause, optional
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.err }

// NewDomainError builds a DomainError with a formatted message.
func NewDomainError(code ErrorCode, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapDomainError attaches a code to an underlying error, keeping the cause
// available to errors.Is/As.
func WrapDomainError(code ErrorCode, err error) *DomainError {
	return &DomainError{Code: code, Message: err.Error(), err: err}
}

// DuplicateRequestError builds the rejection for a reused client request id.
// The message carries the "already known" phrase clients rely on.
func DuplicateRequestError(clientRequestID string) *DomainError {
	return &DomainError{
		Code:    CodeDuplicateRequest,
		Message: fmt.Sprintf("request %s %s", clientRequestID, ErrAlreadyKnown),
		err:     ErrAlreadyKnown,
	}
}
