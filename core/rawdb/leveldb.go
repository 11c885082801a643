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
	"encoding/json"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meridianxyz/dexproxy/core/types"
)

// LevelStore persists requests into a local leveldb database.
type LevelStore struct {
	db  *leveldb.DB
	log log.Logger
}

// NewLevelStore opens (or creates) the database at path, attempting a
// recovery when the database is corrupted.
func NewLevelStore(path string, logger log.Logger) (*LevelStore, error) {
	logger = logger.New("database", path)

	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
	})
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		logger.Warn("Database corrupted, attempting recovery")
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Opened request store", "backend", "leveldb")
	return &LevelStore{db: db, log: logger}, nil
}

// PutRequest writes the request's JSON form under its client id key.
func (s *LevelStore) PutRequest(req *types.Request) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.db.Put(requestKey(req.ClientRequestID), blob, nil)
}

// LoadRequests scans the request keyspace and decodes every record.
func (s *LevelStore) LoadRequests() ([]*types.Request, error) {
	var out []*types.Request

	it := s.db.NewIterator(util.BytesPrefix(requestPrefix), nil)
	defer it.Release()
	for it.Next() {
		req := new(types.Request)
		if err := json.Unmarshal(it.Value(), req); err != nil {
			s.log.Warn("Skipping undecodable request record", "key", string(it.Key()), "err", err)
			continue
		}
		out = append(out, req)
	}
	return out, it.Error()
}

// Close flushes and closes the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}
