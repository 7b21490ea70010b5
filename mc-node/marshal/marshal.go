// Package marshal copies scalar and binary signal state between function-local
// channel buffers and the Adapter Model's signal table, in both directions.
//
// Within a tick all marshalling of one direction completes before any
// operation of the opposite direction begins; the step coordinator enforces
// that ordering by calling Out for every function before Ready, and In for
// every function after it.
package marshal

import (
	"fmt"

	"github.com/simbus-network/sim-runtime/mc-node/adapter"
	"github.com/simbus-network/sim-runtime/mc-node/model"
)

// Out marshals model to adapter: scalar values become the slots' pending
// outbound values, and binary payloads are appended to the slots' buffers.
// A source binary payload is consumed (zeroed) once copied out, so a
// producer does not republish stale data.
func Out(fn *model.Function, am *adapter.Model) error {
	for _, ch := range fn.Channels() {
		smap, err := am.SignalMap(ch.Name, ch.SignalNames)
		if err != nil {
			return fmt.Errorf("marshal out of function %q: %w", fn.Name, err)
		}
		for _, e := range smap {
			e.Slot.FinalVal = ch.Values[e.Index]
			if len(ch.Binary[e.Index]) > 0 {
				e.Slot.AppendBin(ch.Binary[e.Index])
				ch.ClearBinary(e.Index)
			}
		}
	}
	return nil
}

// In marshals adapter to model: the slots' current values are copied into the
// binding's scalar array, and slot binary payloads are appended to the
// binding's buffers. A slot payload is consumed (zeroed) once copied in.
func In(fn *model.Function, am *adapter.Model) error {
	for _, ch := range fn.Channels() {
		smap, err := am.SignalMap(ch.Name, ch.SignalNames)
		if err != nil {
			return fmt.Errorf("marshal in of function %q: %w", fn.Name, err)
		}
		for _, e := range smap {
			ch.Values[e.Index] = e.Slot.Val
			if len(e.Slot.Bin) > 0 {
				ch.AppendBinary(e.Index, e.Slot.Bin)
				e.Slot.ResetBin()
			}
		}
	}
	return nil
}
