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
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/prometheus"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	dexproxy "github.com/meridianxyz/dexproxy"
)

// wsPath is the websocket endpoint.
const wsPath = "/private/ws"

// metricsPath serves the metrics registry in prometheus text form.
const metricsPath = "/debug/metrics/prometheus"

// shutdownReason is the close-frame text sent to websocket clients when the
// server stops.
const shutdownReason = "server shutdown"

// ServerConfig parameterises the combined HTTP and websocket server.
type ServerConfig struct {
	ListenAddr  string
	CORSOrigins []string
	JWTSecret   []byte // empty disables bearer auth on /private/*
	Metrics     bool   // expose /debug/metrics/prometheus
}

// Server hosts the REST surface and the websocket endpoint on one listener.
// REST handlers are registered by the dex package; websocket frames are
// answered in-process (subscribe/unsubscribe against the registry) with
// everything else offered to the adapter's message hook.
type Server struct {
	cfg      ServerConfig
	log      log.Logger
	router   *router
	registry *Registry
	auth     *jwtAuth
	hook     dexproxy.MessageHook // optional adapter methods, may be nil

	upgrader websocket.Upgrader
	handler  http.Handler
	srv      *http.Server
	listener net.Listener

	mu    sync.Mutex
	conns mapset.Set[*Conn]
}

// NewServer wires the router, the registry and the websocket endpoint. hook
// may be nil when the adapter accepts no extra methods.
func NewServer(cfg ServerConfig, registry *Registry, hook dexproxy.MessageHook, logger log.Logger) *Server {
	logger = logger.New("component", "rpc")
	s := &Server{
		cfg:      cfg,
		log:      logger,
		router:   newRouter(logger),
		registry: registry,
		auth:     newJWTAuth(cfg.JWTSecret),
		hook:     hook,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuffer,
			WriteBufferSize: wsWriteBuffer,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: mapset.NewSet[*Conn](),
	}

	var handler http.Handler = http.HandlerFunc(s.serve)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         600,
		}).Handler(handler)
	}
	s.handler = handler
	return s
}

// Register installs a REST handler for the method and path pair.
func (s *Server) Register(method, path string, handler HandlerFunc) {
	s.router.register(method, path, handler)
}

// Start binds the listener and begins serving. It returns once the listener
// is accepting, with the serve loop running in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	s.log.Info("HTTP server started", "endpoint", listener.Addr(), "ws", wsPath, "auth", s.auth != nil)
	return nil
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop closes every websocket connection with a shutdown reason and shuts
// the HTTP server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	conns := s.conns.ToSlice()
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close(shutdownReason)
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == wsPath:
		s.serveWS(w, r)
	case s.cfg.Metrics && r.URL.Path == metricsPath:
		prometheus.Handler(metrics.DefaultRegistry).ServeHTTP(w, r)
	default:
		if strings.HasPrefix(r.URL.Path, "/private/") {
			if err := s.auth.check(r); err != nil {
				writeJSON(w, http.StatusUnauthorized, lowLevelErrorBody{jsonError{Message: err.Error()}})
				return
			}
		}
		s.router.ServeHTTP(w, r)
	}
}

// serveWS upgrades the connection and services it until close. The handler
// blocks for the socket lifetime, mirroring how http.Server runs one
// goroutine per connection.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.check(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, lowLevelErrorBody{jsonError{Message: err.Error()}})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "err", err)
		return
	}
	conn := newConn(ws, s.handleFrame, s.log)
	s.mu.Lock()
	s.conns.Add(conn)
	s.mu.Unlock()
	s.log.Debug("Websocket connected", "remote", conn.RemoteAddr())

	conn.run(func(c *Conn) {
		s.registry.DropConn(c)
		s.mu.Lock()
		s.conns.Remove(c)
		s.mu.Unlock()
		s.log.Debug("Websocket disconnected", "remote", c.RemoteAddr())
	})
}

// handleFrame answers one inbound call. Subscribe and unsubscribe resolve
// against the registry; any other method is offered to the adapter hook.
// Errors stay in-band, the connection is never closed for a bad call.
func (s *Server) handleFrame(ctx context.Context, conn *Conn, msg *jsonrpcMessage) *jsonrpcMessage {
	switch msg.Method {
	case "subscribe":
		channel, err := channelParams(msg.Params)
		if err != nil {
			return msg.errorResponse(errcodeInvalidParams, err.Error())
		}
		if err := s.registry.Subscribe(conn, channel); err != nil {
			return msg.errorResponse(errcodeInvalidParams, err.Error())
		}
		return msg.response([]string{channel})

	case "unsubscribe":
		channel, err := channelParams(msg.Params)
		if err != nil {
			return msg.errorResponse(errcodeInvalidParams, err.Error())
		}
		if s.registry.Unsubscribe(conn, channel) {
			return msg.response([]string{channel})
		}
		return msg.response([]string{})

	default:
		if s.hook != nil {
			result, err := s.hook.HandleMessage(ctx, msg.Method, msg.Params)
			if errors.Is(err, dexproxy.ErrNotSupported) {
				break
			}
			if err != nil {
				return msg.errorResponse(errcodeInternal, err.Error())
			}
			return msg.response(result)
		}
	}
	return msg.errorResponse(errcodeMethodNotFound, "the method "+msg.Method+" does not exist/is not available")
}

// decodeFrame parses a raw frame the way clients do. Test helper.
func decodeFrame(blob []byte) (*jsonrpcMessage, error) {
	msg := new(jsonrpcMessage)
	err := json.Unmarshal(blob, msg)
	return msg, err
}
