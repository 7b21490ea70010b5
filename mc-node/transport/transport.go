// Package transport defines the boundary between the model controller core
// and the SimBus endpoint layer. Concrete wire transports register themselves
// through RegisterKind; the in-process loopback bus ships with the package.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// SignalUpdate carries one signal's published state across the bus.
// HasValue distinguishes a scalar publication from a binary-only one.
// Source identifies the publishing model; binary data is not delivered
// back to its source.
type SignalUpdate struct {
	Channel  string
	Signal   string
	Value    float64
	HasValue bool
	Data     []byte
	Source   uint32
}

// Notice is published by the adapter when a model is ready for the next step.
type Notice struct {
	UID       uint32
	ModelTime float64
	Updates   []SignalUpdate
}

// Grant is the bus response scheduling the next step.
type Grant struct {
	ScheduleTime float64
	Updates      []SignalUpdate
}

// Endpoint is one process's connection to the SimBus.
//
// Ready publishes the notices of every local model and blocks until the bus
// grants the next step. Framing and schema are owned by the endpoint
// implementation.
type Endpoint interface {
	Connect(ctx context.Context) error
	// Register announces a model UID to the bus. The bus may assign a
	// different UID; the returned value is authoritative.
	Register(ctx context.Context, uid uint32) (uint32, error)
	Ready(ctx context.Context, notices []Notice) (Grant, error)
	// Interrupt unblocks a pending Ready call. Safe to call from any
	// goroutine; must not block or allocate.
	Interrupt()
	Close() error
}

// Options carries endpoint construction parameters shared by all kinds.
type Options struct {
	Log      log.Logger
	StepSize float64
	Timeout  time.Duration
}

// Dialer constructs an endpoint for a transport URI.
type Dialer func(uri string, opts Options) (Endpoint, error)

var (
	dialersMu sync.RWMutex
	dialers   = map[string]Dialer{}
)

// RegisterKind makes a transport kind available to New.
// Registering a duplicate kind panics, as does a nil dialer.
func RegisterKind(kind string, d Dialer) {
	dialersMu.Lock()
	defer dialersMu.Unlock()
	if d == nil {
		panic("transport: nil dialer for kind " + kind)
	}
	if _, dup := dialers[kind]; dup {
		panic("transport: RegisterKind called twice for kind " + kind)
	}
	dialers[kind] = d
}

// New constructs an endpoint of the given kind.
func New(kind, uri string, opts Options) (Endpoint, error) {
	dialersMu.RLock()
	d, ok := dialers[kind]
	dialersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport kind %q (registered: %v)", kind, Kinds())
	}
	return d(uri, opts)
}

// Kinds lists the registered transport kinds, sorted.
func Kinds() []string {
	dialersMu.RLock()
	defer dialersMu.RUnlock()
	out := make([]string, 0, len(dialers))
	for k := range dialers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
