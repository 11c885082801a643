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

package dex

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/meridianxyz/dexproxy/params"
	"github.com/meridianxyz/dexproxy/rpc"
)

// StatusReply is the /public/status liveness body.
type StatusReply struct {
	InstanceID    string `json:"instance_id"`
	Version       string `json:"version"`
	Adapter       string `json:"adapter"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OpenRequests  int    `json:"open_requests"`
	Finalised     int    `json:"finalised_requests"`
	Subscribers   int    `json:"subscribers"`
	RSSBytes      uint64 `json:"rss_bytes,omitempty"`
	CPUPercent    string `json:"cpu_percent,omitempty"`
}

func (b *Backend) handleStatus(ctx context.Context, c *rpc.Call) (interface{}, error) {
	reply := &StatusReply{
		InstanceID:    b.instanceID,
		Version:       params.VersionWithMeta,
		Adapter:       b.adapter.Name(),
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		OpenRequests:  b.cache.OpenCount(),
		Finalised:     b.cache.FinalisedCount(),
		Subscribers:   b.registry.SubscriberCount(),
	}
	// Process stats are best effort; liveness must not depend on them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			reply.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			reply.CPUPercent = formatPercent(cpu)
		}
	}
	return reply, nil
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
