// Package model defines the plug-in facing ABI of the model controller:
// the instance view handed to plug-ins, the two generations of entry-point
// contracts, and the function/channel binding records.
package model

import (
	"errors"
	"fmt"

	"github.com/simbus-network/sim-runtime/mc-node/descriptor"
)

// Kind tags the plug-in contract generation.
type Kind int

const (
	// KindVTable is the newer contract: Create/Step/Destroy entry points.
	// The gateway always uses this kind.
	KindVTable Kind = iota
	// KindSetupExit is the older contract: bare Setup/Exit functions that
	// register their own model functions.
	KindSetupExit
)

func (k Kind) String() string {
	switch k {
	case KindVTable:
		return "vtable"
	case KindSetupExit:
		return "setup-exit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StepFunc advances a model function from modelTime to stopTime.
// done reports normal end-of-run; a non-nil error aborts the run.
type StepFunc func(modelTime *float64, stopTime float64) (done bool, err error)

// VTable is the newer plug-in contract. Destroy may be nil; a plug-in
// missing both Create and Step does not satisfy the interface.
type VTable struct {
	Create  func(m *Instance) error
	Step    func(m *Instance, modelTime *float64, stopTime float64) (bool, error)
	Destroy func(m *Instance)
}

// SetupFuncs is the older plug-in contract. Exit may be nil.
type SetupFuncs struct {
	Setup func(m *Instance) error
	Exit  func(m *Instance) error
}

// Registrar is the controller-side callback surface a plug-in reaches
// through its Instance during Create/Setup.
type Registrar interface {
	RegisterFunction(m *Instance, fn *Function) error
	InitChannel(m *Instance, fnName, channel string, signalNames []string) (*FunctionChannel, error)
}

// Instance is the plug-in facing view of one configured model instance.
type Instance struct {
	Name     string
	UID      uint32
	StepSize float64
	EndTime  float64

	// Docs is a borrowed reference to the simulation's YAML document list.
	// It outlives the adapter; plug-ins may read their own configuration
	// from it during Create/Setup.
	Docs *descriptor.List

	// Private is plug-in scratch state, opaque to the controller.
	Private any

	registrar Registrar
}

// Bind attaches the controller callbacks. Called by the controller before
// the plug-in's Create/Setup entry point runs.
func (m *Instance) Bind(r Registrar) {
	m.registrar = r
}

var errNotBound = errors.New("model instance is not bound to a controller")

// RegisterFunction declares a model function. Fails with an
// already-exists error if the function name is taken.
func (m *Instance) RegisterFunction(fn *Function) error {
	if m.registrar == nil {
		return errNotBound
	}
	return m.registrar.RegisterFunction(m, fn)
}

// InitChannel declares a channel binding for a registered function and
// forwards to the Adapter Model, which allocates slots for any previously
// unseen signals.
func (m *Instance) InitChannel(fnName, channel string, signalNames []string) (*FunctionChannel, error) {
	if m.registrar == nil {
		return nil, errNotBound
	}
	return m.registrar.InitChannel(m, fnName, channel, signalNames)
}

// Function is a unit that runs during a step.
type Function struct {
	Name     string
	StepSize float64
	DoStep   StepFunc

	channels map[string]*FunctionChannel
	order    []string
}

func NewFunction(name string, stepSize float64, do StepFunc) *Function {
	return &Function{
		Name:     name,
		StepSize: stepSize,
		DoStep:   do,
		channels: map[string]*FunctionChannel{},
	}
}

// AddChannel records a channel binding. Used by the controller's InitChannel.
func (f *Function) AddChannel(c *FunctionChannel) error {
	if f.channels == nil {
		f.channels = map[string]*FunctionChannel{}
	}
	if _, dup := f.channels[c.Name]; dup {
		return fmt.Errorf("channel %q already bound to function %q", c.Name, f.Name)
	}
	f.channels[c.Name] = c
	f.order = append(f.order, c.Name)
	return nil
}

func (f *Function) Channel(name string) (*FunctionChannel, bool) {
	c, ok := f.channels[name]
	return c, ok
}

// Channels returns the channel bindings in registration order.
func (f *Function) Channels() []*FunctionChannel {
	out := make([]*FunctionChannel, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.channels[name])
	}
	return out
}

// FunctionChannel binds a channel name and signal-name vector to the
// function-local scalar and binary buffers. The scalar and binary arrays
// are parallel to SignalNames; binary buffer capacity is retained across
// ticks.
type FunctionChannel struct {
	Name        string
	SignalNames []string
	Values      []float64
	Binary      [][]byte
}

func NewFunctionChannel(name string, signalNames []string) *FunctionChannel {
	return &FunctionChannel{
		Name:        name,
		SignalNames: signalNames,
		Values:      make([]float64, len(signalNames)),
		Binary:      make([][]byte, len(signalNames)),
	}
}

func (c *FunctionChannel) SignalCount() int {
	return len(c.SignalNames)
}

// SignalIndex returns the binding index of a signal name.
func (c *FunctionChannel) SignalIndex(name string) (int, bool) {
	for i, n := range c.SignalNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// AppendBinary grows the signal's payload buffer and appends data.
func (c *FunctionChannel) AppendBinary(i int, data []byte) {
	c.Binary[i] = append(c.Binary[i], data...)
}

// ClearBinary marks the signal's payload as consumed, keeping capacity.
func (c *FunctionChannel) ClearBinary(i int) {
	c.Binary[i] = c.Binary[i][:0]
}
