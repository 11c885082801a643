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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dexproxy "github.com/meridianxyz/dexproxy"
	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/internal/testlog"
)

func newTestRouter(t *testing.T) *router {
	return newRouter(testlog.Logger(t, log.LevelDebug))
}

func TestRouterDecodesBodyAndQuery(t *testing.T) {
	ro := newTestRouter(t)

	type args struct {
		Symbol string `json:"symbol"`
		Side   string `json:"side"`
	}
	ro.register(http.MethodPost, "/echo", func(ctx context.Context, c *Call) (interface{}, error) {
		var a args
		require.NoError(t, c.Decode(&a))
		return a, nil
	})
	ro.register(http.MethodGet, "/echo", func(ctx context.Context, c *Call) (interface{}, error) {
		var a args
		require.NoError(t, c.Decode(&a))
		return a, nil
	})

	// POST carries the arguments in the JSON body.
	rec := httptest.NewRecorder()
	ro.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"symbol":"SOL-PERP","side":"BUY"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var got args
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, args{Symbol: "SOL-PERP", Side: "BUY"}, got)

	// GET carries them in the query string.
	rec = httptest.NewRecorder()
	ro.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo?symbol=ETH-SPOT&side=SELL", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, args{Symbol: "ETH-SPOT", Side: "SELL"}, got)
}

func TestRouterUnknownRoute(t *testing.T) {
	ro := newTestRouter(t)

	rec := httptest.NewRecorder()
	ro.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestRouterMalformedBody(t *testing.T) {
	ro := newTestRouter(t)
	ro.register(http.MethodPost, "/x", func(ctx context.Context, c *Call) (interface{}, error) {
		t.Fatal("handler must not run on malformed JSON")
		return nil, nil
	})

	rec := httptest.NewRecorder()
	ro.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"symbol":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed JSON body")
}

func TestRouterErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   core.ErrorCode
	}{
		{"order not found", core.NewDomainError(core.CodeOrderNotFound, "order x not found"), http.StatusNotFound, core.CodeOrderNotFound},
		{"duplicate", core.DuplicateRequestError("x"), http.StatusBadRequest, core.CodeDuplicateRequest},
		{"gas cap", core.NewDomainError(core.CodeGasCapExceeded, "too high"), http.StatusBadRequest, core.CodeGasCapExceeded},
		{"transport", core.NewDomainError(core.CodeTransportFailure, "exchange down"), http.StatusBadGateway, core.CodeTransportFailure},
		{"adapter not found", dexproxy.NotFound, http.StatusNotFound, core.CodeOrderNotFound},
		{"not supported", dexproxy.ErrNotSupported, http.StatusBadRequest, core.CodeNotSupported},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, core.CodeInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ro := newTestRouter(t)
			ro.register(http.MethodGet, "/err", func(ctx context.Context, c *Call) (interface{}, error) {
				return nil, tt.err
			})

			rec := httptest.NewRecorder()
			ro.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/err", nil))
			assert.Equal(t, tt.status, rec.Code)

			var body struct {
				ErrorCode    core.ErrorCode `json:"error_code"`
				ErrorMessage string         `json:"error_message"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.ErrorCode)
			assert.NotEmpty(t, body.ErrorMessage)
		})
	}
}

func TestChannelParams(t *testing.T) {
	ch, err := channelParams(json.RawMessage(`{"channel":"ORDER"}`))
	require.NoError(t, err)
	assert.Equal(t, "ORDER", ch)

	ch, err = channelParams(json.RawMessage(`["TRADE"]`))
	require.NoError(t, err)
	assert.Equal(t, "TRADE", ch)

	_, err = channelParams(nil)
	assert.Error(t, err)
	_, err = channelParams(json.RawMessage(`{}`))
	assert.Error(t, err)
	_, err = channelParams(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}
