// Package testlog provides a log handler for unit tests.
package testlog

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/log"
)

// Logger returns a logger which logs to the unit test log of t at the given level.
func Logger(t testing.TB, level slog.Level) log.Logger {
	return log.NewLogger(&handler{t: t, level: level})
}

type handler struct {
	t     testing.TB
	level slog.Level
	attrs []slog.Attr
	mu    sync.Mutex
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	args := make([]any, 0, 2*(r.NumAttrs()+len(h.attrs)))
	appendAttr := func(a slog.Attr) bool {
		args = append(args, a.Key, a.Value.Any())
		return true
	}
	r.Attrs(appendAttr)
	for _, a := range h.attrs {
		appendAttr(a)
	}
	h.t.Logf("%-5s %s %v", r.Level, r.Message, args)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{t: h.t, level: h.level, attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h
}
