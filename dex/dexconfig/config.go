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

// Package dexconfig holds the proxy configuration and its defaults,
// separated from package dex to avoid import cycles with the adapters.
package dexconfig

import (
	"math/big"
	"time"

	"github.com/meridianxyz/dexproxy/core"
	"github.com/meridianxyz/dexproxy/core/rawdb"
	"github.com/meridianxyz/dexproxy/poller"
)

// Config are the user-facing settings of one proxy instance. The TOML file
// and the CLI flags both decode into it.
type Config struct {
	// Adapter selects the exchange backend by registered name.
	Adapter string

	// ChainRPCURL is the EVM node endpoint backing the nonce manager for
	// adapters that consume proxy-managed nonces but read no chain state
	// themselves. Empty when the adapter is its own nonce source.
	ChainRPCURL string

	// ListenAddr is the combined HTTP and websocket endpoint.
	ListenAddr string

	// CORSOrigins is the allowed origin list of the REST surface. Empty
	// disables CORS handling.
	CORSOrigins []string

	// Metrics exposes /debug/metrics/prometheus when set.
	Metrics bool

	// GasCapWei bounds every proposed gas price. Nil disables the cap.
	GasCapWei *big.Int

	// ShutdownTimeout bounds the drain window between SIGTERM and process
	// exit.
	ShutdownTimeout time.Duration

	Cache   core.CacheConfig
	Noncer  core.NonceManagerConfig
	Poller  poller.Config
	Storage rawdb.Config
}

// Defaults contains the default settings for a standalone proxy.
var Defaults = Config{
	Adapter:         "simulated",
	ListenAddr:      "127.0.0.1:8647",
	ShutdownTimeout: 10 * time.Second,
	Cache:           core.DefaultCacheConfig,
	Noncer:          core.DefaultNonceManagerConfig,
	Poller:          poller.DefaultConfig,
}
