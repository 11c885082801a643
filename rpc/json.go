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

// Package rpc implements the proxy's client boundary: the REST router, the
// JSON-RPC 2.0 websocket endpoint and the subscription registry behind it.
package rpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// vsn is the JSON-RPC protocol version tag.
const vsn = "2.0"

// subscriptionMethod is the method name of server-pushed channel events.
const subscriptionMethod = "subscription"

// JSON-RPC error codes used on the websocket.
const (
	errcodeParse          = -32700
	errcodeInvalidRequest = -32600
	errcodeMethodNotFound = -32601
	errcodeInvalidParams  = -32602
	errcodeInternal       = -32603
)

// jsonrpcMessage is the envelope of every websocket frame, inbound and
// outbound. Inbound frames carry Method and Params; replies carry ID and
// either Result or Error.
type jsonrpcMessage struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonError      `json:"error,omitempty"`
}

func (msg *jsonrpcMessage) isCall() bool {
	return msg.Method != ""
}

func (msg *jsonrpcMessage) response(result interface{}) *jsonrpcMessage {
	enc, err := marshalDeterministic(result)
	if err != nil {
		return msg.errorResponse(errcodeInternal, err.Error())
	}
	return &jsonrpcMessage{Version: vsn, ID: msg.ID, Result: enc}
}

func (msg *jsonrpcMessage) errorResponse(code int, message string) *jsonrpcMessage {
	return &jsonrpcMessage{Version: vsn, ID: msg.ID, Error: &jsonError{Code: code, Message: message}}
}

// jsonError is the in-band error object of a failed call.
type jsonError struct {
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (err *jsonError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("json-rpc error %d", err.Code)
	}
	return err.Message
}

// subscriptionParams is the payload of a server-pushed channel event.
type subscriptionParams struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// notification builds the push frame for one channel event.
func notification(channel string, data interface{}) *jsonrpcMessage {
	enc, err := marshalDeterministic(subscriptionParams{Channel: channel, Data: data})
	if err != nil {
		// Event payloads are built by the proxy itself; a marshal failure
		// is a programming error, surfaced as a stringly frame.
		enc, _ = json.Marshal(subscriptionParams{Channel: channel, Data: fmt.Sprint(data)})
	}
	return &jsonrpcMessage{Version: vsn, Method: subscriptionMethod, Params: enc}
}

// channelParams extracts the channel argument of subscribe/unsubscribe.
// Both the object form {"channel":"X"} and the positional form ["X"] are
// accepted.
func channelParams(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("missing channel parameter")
	}
	var obj struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(params, &obj); err == nil && obj.Channel != "" {
		return obj.Channel, nil
	}
	var pos []string
	if err := json.Unmarshal(params, &pos); err == nil && len(pos) == 1 && pos[0] != "" {
		return pos[0], nil
	}
	return "", fmt.Errorf("invalid channel parameter %s", strings.TrimSpace(string(params)))
}

// marshalDeterministic serialises v the way every proxy response is
// serialised: struct keys in declared order, byte slices as 0x-hex, values
// that do not marshal rendered through their string form.
func marshalDeterministic(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case []byte:
		return json.Marshal(hexutil.Bytes(val))
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return json.Marshal(fmt.Sprint(v))
	}
	return enc, nil
}
