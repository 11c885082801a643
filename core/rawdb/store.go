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

package rawdb

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/meridianxyz/dexproxy/core/types"
)

// Store is a persistent mirror of the request cache: write-through puts
// during operation, a full load at startup. Implementations must be safe
// for concurrent use.
type Store interface {
	// PutRequest writes the current state of a request, replacing any
	// previous record under the same client request id.
	PutRequest(req *types.Request) error

	// LoadRequests reads every persisted request. Records that fail to
	// decode are skipped and logged, not fatal; a lost record degrades to
	// the no-persistence behaviour.
	LoadRequests() ([]*types.Request, error)

	// Close releases the underlying resources.
	Close() error
}

// Config selects and parameterises the store backend.
type Config struct {
	// DataDir enables the leveldb backend when non-empty.
	DataDir string
	// RedisURL enables the redis backend when non-empty and takes
	// precedence over DataDir.
	RedisURL string
}

// Enabled reports whether any backend is configured.
func (c Config) Enabled() bool { return c.DataDir != "" || c.RedisURL != "" }

// Open constructs the configured store backend, or (nil, nil) when
// persistence is disabled.
func Open(cfg Config, logger log.Logger) (Store, error) {
	switch {
	case cfg.RedisURL != "":
		return NewRedisStore(cfg.RedisURL, logger)
	case cfg.DataDir != "":
		return NewLevelStore(cfg.DataDir, logger)
	default:
		return nil, nil
	}
}
