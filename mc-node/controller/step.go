package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/simbus-network/sim-runtime/mc-node/marshal"
)

// State is the step coordinator's per-tick state.
type State int

const (
	StateIdle State = iota
	StatePublishing
	StateFetching
	StateStepping
	StateAdvancing
	StateTerminal
	StateFaulted
)

var stateNames = map[State]string{
	StateIdle:       "Idle",
	StatePublishing: "Publishing",
	StateFetching:   "Fetching",
	StateStepping:   "Stepping",
	StateAdvancing:  "Advancing",
	StateTerminal:   "Terminal",
	StateFaulted:    "Faulted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Step executes one tick of the coordination cycle:
//
//	Idle ── marshal out ──▶ Publishing ── ready ──▶ Fetching
//	Fetching ── marshal in ──▶ Stepping ── handlers ──▶ Advancing
//	Advancing ──▶ Idle | Terminal
//
// It returns StateIdle when another tick should follow, StateTerminal on
// normal end-of-run, and StateFaulted with the causing error otherwise.
// A bus timeout surfaces as a fault wrapping adapter.ErrTimeout; the caller
// may retry the tick or initiate a graceful exit.
func (c *Controller) Step(ctx context.Context) (State, error) {
	state := StateIdle
	endOfRun := false
	for {
		switch state {
		case StateIdle:
			// marshal model → adapter, every function of every instance
			for _, cm := range c.models {
				for _, fn := range cm.Functions() {
					if err := marshal.Out(fn, cm.Adapter); err != nil {
						return StateFaulted, err
					}
				}
			}
			state = StatePublishing

		case StatePublishing:
			start := time.Now()
			if err := c.adapter.Ready(ctx); err != nil {
				return StateFaulted, err
			}
			c.metrics.RecordBusReady(time.Since(start))
			state = StateFetching

		case StateFetching:
			// marshal adapter → model
			for _, cm := range c.models {
				for _, fn := range cm.Functions() {
					if err := marshal.In(fn, cm.Adapter); err != nil {
						return StateFaulted, err
					}
				}
			}
			state = StateStepping

		case StateStepping:
			for _, cm := range c.models {
				for _, fn := range cm.Functions() {
					done, err := fn.DoStep(&cm.Adapter.ModelTime, cm.Adapter.StopTime)
					if err != nil {
						c.metrics.RecordStepError()
						return StateFaulted, fmt.Errorf("step of function %q on instance %q failed: %w",
							fn.Name, cm.Name, err)
					}
					if done {
						endOfRun = true
					}
				}
			}
			if endOfRun {
				return StateTerminal, nil
			}
			state = StateAdvancing

		case StateAdvancing:
			for _, cm := range c.models {
				cm.Adapter.ModelTime = cm.Adapter.StopTime
			}
			now := c.ModelTime()
			c.metrics.RecordTick(now)
			if c.endTime > 0 && now >= c.endTime {
				return StateTerminal, nil
			}
			return StateIdle, nil
		}
	}
}
