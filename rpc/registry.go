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
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// reapInterval is the cadence of the dead-connection sweep.
const reapInterval = 5 * time.Second

var (
	subscribeMeter   = metrics.NewRegisteredMeter("dexproxy/registry/subscribe", nil)
	unsubscribeMeter = metrics.NewRegisteredMeter("dexproxy/registry/unsubscribe", nil)
	publishMeter     = metrics.NewRegisteredMeter("dexproxy/registry/publish", nil)
	reapedMeter      = metrics.NewRegisteredMeter("dexproxy/registry/reaped", nil)
	subscriberGauge  = metrics.NewRegisteredGauge("dexproxy/registry/subscribers", nil)
)

// Registry maps channel names to the live connections subscribed to them.
// Channels are declared up front by the adapter; subscribing to anything
// else is an error. Delivery is best effort: a connection whose send queue
// overflowed is closed and forgotten without affecting other subscribers.
type Registry struct {
	log log.Logger

	mu       sync.Mutex
	channels []string // declared names, in registration order
	subs     map[string]mapset.Set[*Conn]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry for the given channel set.
func NewRegistry(channels []string, logger log.Logger) *Registry {
	r := &Registry{
		log:  logger.New("component", "registry"),
		subs: make(map[string]mapset.Set[*Conn]),
		quit: make(chan struct{}),
	}
	for _, ch := range channels {
		if _, ok := r.subs[ch]; ok {
			continue
		}
		r.channels = append(r.channels, ch)
		r.subs[ch] = mapset.NewThreadUnsafeSet[*Conn]()
	}
	return r
}

// Channels returns the declared channel names.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.channels...)
}

// Start launches the periodic dead-connection reaper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.reapLoop()
}

// Stop terminates the reaper.
func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Subscribe adds conn to channel. Subscribing twice is a no-op that still
// succeeds; an undeclared channel is an error and leaves the connection
// untouched.
func (r *Registry) Subscribe(conn *Conn, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[channel]
	if !ok {
		return fmt.Errorf("Channel %s does not exist", channel)
	}
	if set.Add(conn) {
		subscribeMeter.Mark(1)
		r.updateGaugeLocked()
		r.log.Debug("Subscribed", "channel", channel, "remote", conn.RemoteAddr())
	}
	return nil
}

// Unsubscribe removes conn from channel, reporting whether a subscription
// existed. Unknown channels and absent subscriptions are not errors.
func (r *Registry) Unsubscribe(conn *Conn, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[channel]
	if !ok || !set.Contains(conn) {
		return false
	}
	set.Remove(conn)
	unsubscribeMeter.Mark(1)
	r.updateGaugeLocked()
	return true
}

// Publish delivers data to every subscriber of channel, in call order.
// Connections that fail to accept the frame are dropped from all channels.
func (r *Registry) Publish(channel string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[channel]
	if !ok || set.Cardinality() == 0 {
		return
	}
	publishMeter.Mark(1)
	msg := notification(channel, data)

	var dead []*Conn
	set.Each(func(conn *Conn) bool {
		if !conn.send(msg) {
			dead = append(dead, conn)
		}
		return false
	})
	for _, conn := range dead {
		r.dropLocked(conn)
	}
}

// Broadcast delivers data once to every connection with at least one
// subscription, regardless of channel.
func (r *Registry) Broadcast(data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := mapset.NewThreadUnsafeSet[*Conn]()
	var dead []*Conn
	for _, channel := range r.channels {
		msg := notification(channel, data)
		r.subs[channel].Each(func(conn *Conn) bool {
			if !seen.Add(conn) {
				return false
			}
			if !conn.send(msg) {
				dead = append(dead, conn)
			}
			return false
		})
	}
	for _, conn := range dead {
		r.dropLocked(conn)
	}
}

// DropConn removes every subscription held by conn. Transport calls it when
// the socket closes.
func (r *Registry) DropConn(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(conn)
}

// CloseAll shuts every subscribed connection with the given reason. Used on
// server shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := mapset.NewThreadUnsafeSet[*Conn]()
	for _, set := range r.subs {
		set.Each(func(conn *Conn) bool {
			conns.Add(conn)
			return false
		})
	}
	r.mu.Unlock()

	conns.Each(func(conn *Conn) bool {
		conn.Close(reason)
		return false
	})
}

// SubscriberCount returns the number of live (channel, connection) pairs.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.subs {
		total += set.Cardinality()
	}
	return total
}

func (r *Registry) dropLocked(conn *Conn) {
	for _, set := range r.subs {
		set.Remove(conn)
	}
	r.updateGaugeLocked()
}

func (r *Registry) updateGaugeLocked() {
	total := 0
	for _, set := range r.subs {
		total += set.Cardinality()
	}
	subscriberGauge.Update(int64(total))
}

// reapLoop sweeps closed connections out of the channel sets. Transport
// normally unregisters sockets on close; the sweep catches the ones that
// died without the close path running.
func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*Conn
	seen := mapset.NewThreadUnsafeSet[*Conn]()
	for _, set := range r.subs {
		set.Each(func(conn *Conn) bool {
			if seen.Add(conn) && conn.Closed() {
				dead = append(dead, conn)
			}
			return false
		})
	}
	for _, conn := range dead {
		reapedMeter.Mark(1)
		r.log.Debug("Reaped dead subscriber", "remote", conn.RemoteAddr())
		r.dropLocked(conn)
	}
}
