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
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"

	"github.com/meridianxyz/dexproxy/core/types"
)

// redisScanCount is the COUNT hint passed to SCAN when reloading records.
const redisScanCount = 256

// RedisStore mirrors requests into a redis instance. It is a write-through
// cache rather than a database: records carry no TTL and the proxy remains
// correct (minus restart recovery) if the instance is lost.
type RedisStore struct {
	client *redis.Client
	log    log.Logger
}

// NewRedisStore connects to the instance at url (redis:// form) and verifies
// the connection with a ping.
func NewRedisStore(url string, logger log.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Opened request store", "backend", "redis", "addr", opts.Addr)
	return &RedisStore{client: client, log: logger.New("database", opts.Addr)}, nil
}

// PutRequest writes the request's JSON form under its client id key.
func (s *RedisStore) PutRequest(req *types.Request) error {
	blob, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.client.Set(string(requestKey(req.ClientRequestID)), blob, 0).Err()
}

// LoadRequests scans the request keyspace and decodes every record.
func (s *RedisStore) LoadRequests() ([]*types.Request, error) {
	var (
		out    []*types.Request
		cursor uint64
	)
	pattern := string(requestPrefix) + "*"
	for {
		keys, next, err := s.client.Scan(cursor, pattern, redisScanCount).Result()
		if err != nil {
			return out, err
		}
		for _, key := range keys {
			blob, err := s.client.Get(key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return out, err
			}
			req := new(types.Request)
			if err := json.Unmarshal(blob, req); err != nil {
				s.log.Warn("Skipping undecodable request record", "key", key, "err", err)
				continue
			}
			out = append(out, req)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Close terminates the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
