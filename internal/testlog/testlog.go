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

// Package testlog provides a log handler for unit tests.
package testlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
)

// logger implements log.Logger such that all output goes to the unit test
// log via t.Logf(). Records are buffered by the handler and flushed inside
// the logging methods, where t.Helper() attributes the line to the caller.
type logger struct {
	t  *testing.T
	l  log.Logger
	mu *sync.Mutex
	h  *bufHandler
}

type bufHandler struct {
	buf   []slog.Record
	attrs []slog.Attr
	level slog.Level
	mu    sync.Mutex
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, r)
	return nil
}

func (h *bufHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level
}

func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := make([]slog.Record, len(h.buf))
	copy(records, h.buf)
	return &bufHandler{
		buf:   records,
		attrs: append(h.attrs, attrs...),
		level: h.level,
	}
}

func (h *bufHandler) WithGroup(_ string) slog.Handler {
	panic("not implemented")
}

// Logger returns a logger which logs to the unit test log of t at the given
// verbosity.
func Logger(t *testing.T, level slog.Level) log.Logger {
	handler := &bufHandler{level: level}
	return &logger{
		t:  t,
		l:  log.NewLogger(handler),
		mu: new(sync.Mutex),
		h:  handler,
	}
}

func (l *logger) Handler() slog.Handler {
	return l.l.Handler()
}

func (l *logger) Write(level slog.Level, msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Write(level, msg, ctx...)
	l.flush()
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.l.Enabled(ctx, level)
}

func (l *logger) Trace(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Trace(msg, ctx...)
	l.flush()
}

func (l *logger) Log(level slog.Level, msg string, ctx ...interface{}) {
	l.Write(level, msg, ctx...)
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Debug(msg, ctx...)
	l.flush()
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Info(msg, ctx...)
	l.flush()
}

func (l *logger) Warn(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Warn(msg, ctx...)
	l.flush()
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Error(msg, ctx...)
	l.flush()
}

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.Write(log.LevelCrit, msg, ctx...)
	l.flush()
	l.t.FailNow()
}

func (l *logger) With(ctx ...interface{}) log.Logger {
	return &logger{t: l.t, l: l.l.With(ctx...), mu: l.mu, h: l.h}
}

func (l *logger) New(ctx ...interface{}) log.Logger {
	return l.With(ctx...)
}

func levelString(lvl slog.Level) string {
	switch {
	case lvl <= log.LevelTrace:
		return "TRACE"
	case lvl <= log.LevelDebug:
		return "DEBUG"
	case lvl <= log.LevelInfo:
		return "INFO "
	case lvl <= log.LevelWarn:
		return "WARN "
	case lvl <= log.LevelError:
		return "ERROR"
	default:
		return "CRIT "
	}
}

// flush writes all buffered messages and clears the buffer.
func (l *logger) flush() {
	l.t.Helper()
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	for _, r := range l.h.buf {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s", levelString(r.Level), r.Message)
		for _, attr := range l.h.attrs {
			fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value.Any())
		}
		r.Attrs(func(attr slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", attr.Key, attr.Value.Any())
			return true
		})
		l.t.Log(b.String())
	}
	l.h.buf = nil
}
