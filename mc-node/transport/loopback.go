package transport

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

const KindLoopback = "loopback"

func init() {
	RegisterKind(KindLoopback, dialLoopback)
}

func dialLoopback(uri string, opts Options) (Endpoint, error) {
	logger := opts.Log
	if logger == nil {
		logger = log.Root()
	}
	return &loopback{
		log:      logger.New("transport", KindLoopback, "uri", uri),
		stepSize: opts.StepSize,
		signals:  map[string]map[string]*busSignal{},
	}, nil
}

type busSignal struct {
	val    float64
	hasVal bool
}

// loopback is an in-process SimBus. All registered models live behind a single
// adapter, so Ready never has to wait for a remote peer: publications are
// exchanged and the next step granted immediately.
type loopback struct {
	mu       sync.Mutex
	log      log.Logger
	stepSize float64
	time     float64
	nextUID  uint32
	models   map[uint32]struct{}

	// canonical channel/signal store, insertion-ordered for deterministic grants
	signals  map[string]map[string]*busSignal
	chanIdx  []string
	sigIdx   map[string][]string
	shutdown bool
}

func (b *loopback) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.models == nil {
		b.models = map[uint32]struct{}{}
	}
	b.log.Debug("Loopback bus connected")
	return nil
}

func (b *loopback) Register(ctx context.Context, uid uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if uid == 0 {
		b.nextUID++
		uid = b.nextUID
	}
	b.models[uid] = struct{}{}
	b.log.Debug("Model registered on loopback bus", "uid", uid)
	return uid, nil
}

func (b *loopback) Ready(ctx context.Context, notices []Notice) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var bins []SignalUpdate
	for _, n := range notices {
		for _, u := range n.Updates {
			s := b.ensure(u.Channel, u.Signal)
			if u.HasValue {
				s.val = u.Value
				s.hasVal = true
			}
			if len(u.Data) > 0 {
				data := make([]byte, len(u.Data))
				copy(data, u.Data)
				bins = append(bins, SignalUpdate{
					Channel: u.Channel,
					Signal:  u.Signal,
					Data:    data,
					Source:  n.UID,
				})
			}
		}
	}

	schedule := b.time + b.stepSize
	b.time = schedule

	grant := Grant{ScheduleTime: schedule}
	for _, ch := range b.chanIdx {
		for _, sig := range b.sigIdx[ch] {
			s := b.signals[ch][sig]
			if !s.hasVal {
				continue
			}
			grant.Updates = append(grant.Updates, SignalUpdate{
				Channel:  ch,
				Signal:   sig,
				Value:    s.val,
				HasValue: true,
			})
		}
	}
	grant.Updates = append(grant.Updates, bins...)
	return grant, nil
}

func (b *loopback) ensure(channel, signal string) *busSignal {
	chm, ok := b.signals[channel]
	if !ok {
		chm = map[string]*busSignal{}
		b.signals[channel] = chm
		b.chanIdx = append(b.chanIdx, channel)
		if b.sigIdx == nil {
			b.sigIdx = map[string][]string{}
		}
	}
	s, ok := chm[signal]
	if !ok {
		s = &busSignal{}
		chm[signal] = s
		b.sigIdx[channel] = append(b.sigIdx[channel], signal)
	}
	return s
}

// Interrupt is a no-op: the loopback bus never blocks in Ready.
func (b *loopback) Interrupt() {}

func (b *loopback) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = true
	return nil
}
