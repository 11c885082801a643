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

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
)

// maxRequestBodySize bounds REST request bodies.
const maxRequestBodySize = 1 * 1024 * 1024

var (
	httpRequestMeter = metrics.NewRegisteredMeter("dexproxy/http/requests", nil)
	httpErrorMeter   = metrics.NewRegisteredMeter("dexproxy/http/errors", nil)
	httpServeTimer   = metrics.NewRegisteredTimer("dexproxy/http/serve", nil)
)

// Call carries one decoded REST request into a handler. POST bodies arrive
// in Params; GET and DELETE arguments arrive in Query. Log carries the
// request's correlation id.
type Call struct {
	Params json.RawMessage
	Query  url.Values
	Log    log.Logger
}

// Decode unmarshals the call arguments into v: the JSON body for POSTs, the
// query string (single values only) for other methods.
func (c *Call) Decode(v interface{}) error {
	if len(c.Params) > 0 {
		return json.Unmarshal(c.Params, v)
	}
	flat := make(map[string]string, len(c.Query))
	for key, vals := range c.Query {
		if len(vals) > 0 {
			flat[key] = vals[0]
		}
	}
	blob, err := json.Marshal(flat)
	if err != nil {
		return err
	}
	return json.Unmarshal(blob, v)
}

// HandlerFunc is one REST endpoint. A nil error answers 200 with the result
// serialised; errors are mapped to status codes and error bodies by the
// router. ctx is the inbound request's context.
type HandlerFunc func(ctx context.Context, c *Call) (interface{}, error)

// errorBody is the wire form of a domain error.
type errorBody struct {
	ErrorCode    core.ErrorCode `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
}

// lowLevelErrorBody is the wire form of transport and routing errors.
type lowLevelErrorBody struct {
	Error jsonError `json:"error"`
}

// router dispatches (method, path) pairs to handlers and owns the
// correlation id counter.
type router struct {
	log      log.Logger
	handlers map[string]map[string]HandlerFunc // method -> path -> handler
	reqID    atomic.Uint64
}

func newRouter(logger log.Logger) *router {
	return &router{
		log:      logger,
		handlers: make(map[string]map[string]HandlerFunc),
	}
}

// register installs a handler for the method and path pair, replacing any
// previous registration.
func (ro *router) register(method, path string, handler HandlerFunc) {
	byPath, ok := ro.handlers[method]
	if !ok {
		byPath = make(map[string]HandlerFunc)
		ro.handlers[method] = byPath
	}
	byPath[path] = handler
}

func (ro *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	httpRequestMeter.Mark(1)
	defer func() { httpServeTimer.UpdateSince(start) }()

	reqLog := ro.log.New("reqid", ro.reqID.Add(1))
	reqLog.Debug("Serving request", "method", r.Method, "path", r.URL.Path)

	handler := ro.handlers[r.Method][r.URL.Path]
	if handler == nil {
		httpErrorMeter.Mark(1)
		writeJSON(w, http.StatusBadRequest, lowLevelErrorBody{jsonError{Message: "NOT_FOUND"}})
		return
	}

	call := &Call{Query: r.URL.Query(), Log: reqLog}
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
		if err != nil {
			httpErrorMeter.Mark(1)
			writeJSON(w, http.StatusBadRequest, lowLevelErrorBody{jsonError{Message: "body read failed"}})
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			httpErrorMeter.Mark(1)
			writeJSON(w, http.StatusBadRequest, lowLevelErrorBody{jsonError{Message: "malformed JSON body"}})
			return
		}
		call.Params = body
	}

	result, err := handler(r.Context(), call)
	if err != nil {
		httpErrorMeter.Mark(1)
		status, body := errorResponse(err, reqLog)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorResponse maps a handler error to its HTTP status and body. Domain
// errors keep their code; everything else is an internal error, logged at
// error level because it means a bug rather than a bad request.
func errorResponse(err error, logger log.Logger) (int, interface{}) {
	var domain *core.DomainError
	if errors.As(err, &domain) {
		return statusForCode(domain.Code), errorBody{ErrorCode: domain.Code, ErrorMessage: domain.Message}
	}
	if errors.Is(err, dexproxy.NotFound) {
		return http.StatusNotFound, errorBody{ErrorCode: core.CodeOrderNotFound, ErrorMessage: err.Error()}
	}
	if errors.Is(err, dexproxy.ErrNotSupported) {
		return http.StatusBadRequest, errorBody{ErrorCode: core.CodeNotSupported, ErrorMessage: err.Error()}
	}
	logger.Error("Request handler failed", "err", err)
	return http.StatusInternalServerError, errorBody{
		ErrorCode:    core.CodeInternalServerError,
		ErrorMessage: "internal server error",
	}
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeOrderNotFound:
		return http.StatusNotFound
	case core.CodeTransportFailure:
		return http.StatusBadGateway
	case core.CodeInternalServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	enc, err := marshalDeterministic(body)
	if err != nil {
		status = http.StatusInternalServerError
		enc, _ = json.Marshal(lowLevelErrorBody{jsonError{Message: "response serialisation failed"}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(enc)
}
