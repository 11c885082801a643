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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	wsReadBuffer        = 1024
	wsWriteBuffer       = 1024
	wsMessageSizeLimit  = 1 * 1024 * 1024
	wsPingInterval      = 30 * time.Second
	wsPingWriteTimeout  = 5 * time.Second
	wsPongTimeout       = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second
	wsSendQueueSize     = 256
	wsInboundFrameRate  = 50 // frames per second per connection
	wsInboundFrameBurst = 100
)

var (
	wsConnectionGauge = metrics.NewRegisteredGauge("dexproxy/ws/connections", nil)
	wsDroppedMeter    = metrics.NewRegisteredMeter("dexproxy/ws/dropped", nil)
	wsInboundMeter    = metrics.NewRegisteredMeter("dexproxy/ws/inbound", nil)
	wsOutboundMeter   = metrics.NewRegisteredMeter("dexproxy/ws/outbound", nil)
)

// frameHandler processes one inbound call frame and returns the reply, or
// nil for notifications that need no answer.
type frameHandler func(ctx context.Context, conn *Conn, msg *jsonrpcMessage) *jsonrpcMessage

// Conn is one live websocket client. Outbound frames go through a bounded
// send queue drained by a single writer goroutine; a subscriber that cannot
// keep up is closed rather than buffered without limit. Conn identity (the
// pointer) is what the subscription registry keys on.
type Conn struct {
	remote  string
	ws      *websocket.Conn
	log     log.Logger
	handle  frameHandler
	limiter *rate.Limiter

	sendCh chan *jsonrpcMessage

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

func newConn(ws *websocket.Conn, handle frameHandler, logger log.Logger) *Conn {
	c := &Conn{
		remote:  ws.RemoteAddr().String(),
		ws:      ws,
		log:     logger.New("remote", ws.RemoteAddr()),
		handle:  handle,
		limiter: rate.NewLimiter(rate.Limit(wsInboundFrameRate), wsInboundFrameBurst),
		sendCh:  make(chan *jsonrpcMessage, wsSendQueueSize),
		closeCh: make(chan struct{}),
	}
	ws.SetReadLimit(wsMessageSizeLimit)
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Time{})
		return nil
	})
	return c
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string { return c.remote }

// run services the connection until it closes, blocking the caller for its
// lifetime. onClose runs exactly once after both pumps stopped.
func (c *Conn) run(onClose func(*Conn)) {
	wsConnectionGauge.Inc(1)
	defer wsConnectionGauge.Dec(1)

	c.wg.Add(1)
	go c.writePump()
	c.readLoop()
	c.close("")
	c.wg.Wait()
	onClose(c)
}

// Closed reports whether the connection was shut down. The registry reaper
// uses it to drop dead subscriptions.
func (c *Conn) Closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Close terminates the connection, sending a close frame with the given
// reason when one is supplied. Safe to call multiple times.
func (c *Conn) Close(reason string) {
	c.close(reason)
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			deadline := time.Now().Add(wsPingWriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		close(c.closeCh)
		c.ws.Close()
	})
}

// send enqueues an outbound frame. The false return means the queue was
// full or the connection closed; callers treat both as a dead subscriber.
func (c *Conn) send(msg *jsonrpcMessage) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.sendCh <- msg:
		return true
	default:
		wsDroppedMeter.Mark(1)
		c.log.Warn("Closing slow websocket subscriber", "queued", len(c.sendCh))
		c.close("send queue overflow")
		return false
	}
}

// readLoop decodes inbound frames in arrival order and feeds them through
// the handler. Inbound traffic is rate limited per connection; the limiter
// delays reads instead of dropping frames.
func (c *Conn) readLoop() {
	ctx := context.Background()
	for {
		_, blob, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Websocket read failed", "err", err)
			}
			return
		}
		wsInboundMeter.Mark(1)
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		msg := new(jsonrpcMessage)
		if err := json.Unmarshal(blob, msg); err != nil {
			c.send((&jsonrpcMessage{Version: vsn}).errorResponse(errcodeParse, "parse error"))
			continue
		}
		if !msg.isCall() {
			c.send(msg.errorResponse(errcodeInvalidRequest, "not a call"))
			continue
		}
		if reply := c.handle(ctx, c, msg); reply != nil {
			c.send(reply)
		}
	}
}

// writePump is the sole writer of the underlying socket: it drains the send
// queue and keeps the connection alive with idle pings.
func (c *Conn) writePump() {
	defer c.wg.Done()

	pingTimer := time.NewTimer(wsPingInterval)
	defer pingTimer.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("Websocket write failed", "err", err)
				c.close("")
				return
			}
			wsOutboundMeter.Mark(1)
			if !pingTimer.Stop() {
				select {
				case <-pingTimer.C:
				default:
				}
			}
			pingTimer.Reset(wsPingInterval)

		case <-pingTimer.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsPingWriteTimeout))
			c.ws.WriteMessage(websocket.PingMessage, nil)
			c.ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
			pingTimer.Reset(wsPingInterval)

		case <-c.closeCh:
			return
		}
	}
}
