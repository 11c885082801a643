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

// Package rawdb implements the persistence schema and the write-through
// stores mirroring the request cache.
package rawdb

// The schema is a flat key-value layout: one record per request, keyed by
// the client request id. Values are the request's canonical JSON form.
var (
	// requestPrefix + client request id -> serialized request
	requestPrefix = []byte("dpx-request-")
)

// requestKey = requestPrefix + client request id
func requestKey(clientRequestID string) []byte {
	return append(append([]byte(nil), requestPrefix...), clientRequestID...)
}
