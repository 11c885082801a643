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

// Package adapters maps adapter names to their constructors. Concrete
// backends register themselves from an init function; the command resolves
// the configured name at startup.
package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	dexproxy "github.com/meridianxyz/dexproxy"
)

// Factory constructs one adapter instance.
type Factory func(logger log.Logger) (dexproxy.Adapter, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend constructible by name. It panics on duplicate
// names; registration happens at init time where a duplicate is a
// programming error.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("adapter %s registered twice", name))
	}
	factories[name] = factory
}

// New constructs the adapter registered under name.
func New(name string, logger log.Logger) (dexproxy.Adapter, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (registered: %v)", name, Names())
	}
	return factory(logger)
}

// Names lists the registered adapter names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
