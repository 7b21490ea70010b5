// Package adapter implements the bus-facing side of one process: the Adapter
// owns per-instance Adapter Models keyed by UID, publishes their signal
// tables on the SimBus and applies peer publications back into them.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/simbus-network/sim-runtime/mc-node/transport"
)

// ErrTimeout indicates the bus did not grant the next step within the
// per-model timeout. The condition is recoverable: the caller may retry
// the ready cycle or initiate a graceful exit.
var ErrTimeout = errors.New("timed out waiting for simbus ready")

// Model is the per-instance view of the bus: current and next step time,
// and the per-channel signal tables.
type Model struct {
	UID       uint32
	ModelTime float64
	StopTime  float64

	tables map[string]*SignalTable
	order  []string
}

// InitChannel returns the channel's signal table, creating it on first use,
// and allocates slots for any unseen signals.
func (m *Model) InitChannel(name string, signalNames []string) *SignalTable {
	if m.tables == nil {
		m.tables = map[string]*SignalTable{}
	}
	t, ok := m.tables[name]
	if !ok {
		t = NewSignalTable(name)
		m.tables[name] = t
		m.order = append(m.order, name)
	}
	t.Ensure(signalNames)
	return t
}

func (m *Model) Channel(name string) (*SignalTable, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// Channels returns the channel names in registration order.
func (m *Model) Channels() []string {
	return m.order
}

// SignalMap resolves a channel name and signal-name vector to slot pointers.
func (m *Model) SignalMap(channel string, signalNames []string) ([]SignalMapEntry, error) {
	t, ok := m.tables[channel]
	if !ok {
		return nil, fmt.Errorf("channel %q not initialised on model %d", channel, m.UID)
	}
	return t.SignalMap(signalNames)
}

// Adapter owns the endpoint and the Adapter Models of this process.
type Adapter struct {
	log      log.Logger
	endpoint transport.Endpoint
	timeout  time.Duration

	models map[string]*Model
	order  []*Model
}

func New(logger log.Logger, endpoint transport.Endpoint, timeout time.Duration) *Adapter {
	return &Adapter{
		log:      logger,
		endpoint: endpoint,
		timeout:  timeout,
		models:   map[string]*Model{},
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	return a.endpoint.Connect(ctx)
}

// RegisterModel announces the proposed UID to the bus and creates the Adapter
// Model under the assigned UID. The model is reachable by its stringified UID.
func (a *Adapter) RegisterModel(ctx context.Context, uid uint32) (*Model, error) {
	assigned, err := a.endpoint.Register(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to register model %d on simbus: %w", uid, err)
	}
	if assigned == 0 {
		assigned = uid
	}
	key := strconv.FormatUint(uint64(assigned), 10)
	if _, dup := a.models[key]; dup {
		return nil, fmt.Errorf("model uid %d already registered", assigned)
	}
	m := &Model{
		UID:    assigned,
		tables: map[string]*SignalTable{},
	}
	a.models[key] = m
	a.order = append(a.order, m)
	a.log.Debug("Registered adapter model", "uid", assigned)
	return m, nil
}

// Model looks up an Adapter Model by UID.
func (a *Adapter) Model(uid uint32) (*Model, bool) {
	m, ok := a.models[strconv.FormatUint(uint64(uid), 10)]
	return m, ok
}

// Models returns the Adapter Models in registration order.
func (a *Adapter) Models() []*Model {
	return a.order
}

// Ready publishes every model's pending signal state and blocks until the
// bus grants the next step, then applies peer publications and the granted
// stop time. Timeouts surface as ErrTimeout; other endpoint errors propagate
// verbatim.
func (a *Adapter) Ready(ctx context.Context) error {
	notices := make([]transport.Notice, 0, len(a.order))
	for _, m := range a.order {
		notices = append(notices, a.notice(m))
	}

	rctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	grant, err := a.endpoint.Ready(rctx, notices)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}

	a.apply(grant)
	return nil
}

// notice collects one model's outbound state. Only changed scalars are
// published, so a silent peer never overwrites a producer's write on the
// shared bus signal. Binary payloads are consumed: the slot size is zeroed
// once the data has been copied out.
func (a *Adapter) notice(m *Model) transport.Notice {
	n := transport.Notice{UID: m.UID, ModelTime: m.ModelTime}
	for _, ch := range m.order {
		t := m.tables[ch]
		for _, name := range t.order {
			s := t.slots[name]
			u := transport.SignalUpdate{
				Channel: ch,
				Signal:  name,
				Source:  m.UID,
			}
			if s.FinalVal != s.Val {
				u.Value = s.FinalVal
				u.HasValue = true
			}
			if len(s.Bin) > 0 {
				u.Data = make([]byte, len(s.Bin))
				copy(u.Data, s.Bin)
				s.ResetBin()
			}
			if !u.HasValue && u.Data == nil {
				continue
			}
			n.Updates = append(n.Updates, u)
		}
	}
	return n
}

// apply folds the grant into every model's signal tables and stop time.
// Binary data is not delivered back to the model that produced it.
func (a *Adapter) apply(grant transport.Grant) {
	for _, m := range a.order {
		for _, u := range grant.Updates {
			t, ok := m.tables[u.Channel]
			if !ok {
				continue
			}
			s, ok := t.Slot(u.Signal)
			if !ok {
				continue
			}
			if u.HasValue {
				s.Val = u.Value
			}
			if len(u.Data) > 0 && u.Source != m.UID {
				s.AppendBin(u.Data)
			}
		}
		m.StopTime = grant.ScheduleTime
	}
}

// Interrupt unblocks a pending Ready. Safe from an async stop path:
// it neither blocks nor allocates.
func (a *Adapter) Interrupt() {
	a.endpoint.Interrupt()
}

// Exit closes the endpoint. The YAML document list referenced by the models
// must outlive this call.
func (a *Adapter) Exit() error {
	if err := a.endpoint.Close(); err != nil {
		return fmt.Errorf("failed to close simbus endpoint: %w", err)
	}
	return nil
}
