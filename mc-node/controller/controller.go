// Package controller orchestrates the tick loop of a simulation: it owns the
// per-instance controller models, services plug-in registration callbacks,
// loads plug-in entry points and drives the step coordination cycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/simbus-network/sim-runtime/mc-node/adapter"
	"github.com/simbus-network/sim-runtime/mc-node/model"
)

// DefaultFunctionName is the function registered on behalf of a vtable
// plug-in that declares a Step but registers no functions of its own.
const DefaultFunctionName = "model"

var (
	// ErrCancelled indicates the run was stopped by a shutdown request.
	ErrCancelled = errors.New("run cancelled")
	// ErrFunctionExists indicates a duplicate model function registration.
	ErrFunctionExists = errors.New("model function already registered")
)

// Metrics is the metrics surface the controller records to.
type Metrics interface {
	RecordTick(modelTime float64)
	RecordStepError()
	RecordBusReady(d time.Duration)
}

// NoopMetrics implements Metrics and does nothing. Useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordTick(modelTime float64)   {}
func (NoopMetrics) RecordStepError()               {}
func (NoopMetrics) RecordBusReady(d time.Duration) {}

// ControllerModel is the controller's per-instance view: the plug-in entry
// points and the registered model functions.
type ControllerModel struct {
	Name     string
	Instance *model.Instance
	Adapter  *adapter.Model

	// Path is the resolved dynlib path; Builtin names a registered
	// in-process model instead. Exactly one is set before LoadModel.
	Path    string
	Builtin string

	Kind   model.Kind
	VTable model.VTable
	Setup  model.SetupFuncs

	functions map[string]*model.Function
	order     []string
}

// Functions returns the registered model functions in registration order.
func (cm *ControllerModel) Functions() []*model.Function {
	out := make([]*model.Function, 0, len(cm.order))
	for _, name := range cm.order {
		out = append(out, cm.functions[name])
	}
	return out
}

// Function looks up a registered model function by name.
func (cm *ControllerModel) Function(name string) (*model.Function, bool) {
	fn, ok := cm.functions[name]
	return fn, ok
}

// Controller drives the simulation's instances. It is an explicit handle
// owned by the caller; a process may host several.
type Controller struct {
	log     log.Logger
	adapter *adapter.Adapter
	metrics Metrics
	stop    *StopSignal

	stepSize float64
	endTime  float64

	models     []*ControllerModel
	byInstance map[*model.Instance]*ControllerModel
	byName     map[string]*ControllerModel
}

func New(logger log.Logger, adpt *adapter.Adapter, stop *StopSignal, m Metrics, stepSize, endTime float64) *Controller {
	if m == nil {
		m = NoopMetrics{}
	}
	return &Controller{
		log:        logger,
		adapter:    adpt,
		metrics:    m,
		stop:       stop,
		stepSize:   stepSize,
		endTime:    endTime,
		byInstance: map[*model.Instance]*ControllerModel{},
		byName:     map[string]*ControllerModel{},
	}
}

// AddModel creates the controller model for an instance and binds the
// instance's registration callbacks to this controller.
func (c *Controller) AddModel(inst *model.Instance, am *adapter.Model) *ControllerModel {
	cm := &ControllerModel{
		Name:      inst.Name,
		Instance:  inst,
		Adapter:   am,
		functions: map[string]*model.Function{},
	}
	c.models = append(c.models, cm)
	c.byInstance[inst] = cm
	c.byName[inst.Name] = cm
	inst.Bind(c)
	return cm
}

// Models returns the controller models in configured instance order.
func (c *Controller) Models() []*ControllerModel {
	return c.models
}

// Model looks up a controller model by instance name.
func (c *Controller) Model(name string) (*ControllerModel, bool) {
	cm, ok := c.byName[name]
	return cm, ok
}

var _ model.Registrar = (*Controller)(nil)

// RegisterFunction services the plug-in registration callback.
// The function step size defaults to the simulation step size and must
// equal it; divergent rates are rejected at registration.
func (c *Controller) RegisterFunction(m *model.Instance, fn *model.Function) error {
	cm, ok := c.byInstance[m]
	if !ok {
		return fmt.Errorf("instance %q is not managed by this controller", m.Name)
	}
	if _, dup := cm.functions[fn.Name]; dup {
		return fmt.Errorf("%w: %q on instance %q", ErrFunctionExists, fn.Name, m.Name)
	}
	if fn.StepSize == 0 {
		fn.StepSize = c.stepSize
	}
	if fn.StepSize != c.stepSize {
		return fmt.Errorf("function %q step size %v does not match simulation step size %v",
			fn.Name, fn.StepSize, c.stepSize)
	}
	cm.functions[fn.Name] = fn
	cm.order = append(cm.order, fn.Name)
	c.log.Debug("Registered model function", "instance", m.Name, "function", fn.Name)
	return nil
}

// InitChannel services the plug-in channel callback: it creates the
// function's channel binding and forwards to the Adapter Model, which
// allocates slots for any previously unseen signals.
func (c *Controller) InitChannel(m *model.Instance, fnName, channel string, signalNames []string) (*model.FunctionChannel, error) {
	cm, ok := c.byInstance[m]
	if !ok {
		return nil, fmt.Errorf("instance %q is not managed by this controller", m.Name)
	}
	fn, ok := cm.functions[fnName]
	if !ok {
		return nil, fmt.Errorf("no function %q registered on instance %q", fnName, m.Name)
	}
	binding := model.NewFunctionChannel(channel, signalNames)
	if err := fn.AddChannel(binding); err != nil {
		return nil, err
	}
	cm.Adapter.InitChannel(channel, signalNames)
	c.log.Debug("Initialised channel", "instance", m.Name, "function", fnName,
		"channel", channel, "signals", len(signalNames))
	return binding, nil
}

// CreateModel invokes the plug-in's create/setup entry point. A vtable
// plug-in that registered no functions gets a default function bound to
// its Step handler.
func (c *Controller) CreateModel(cm *ControllerModel) error {
	switch cm.Kind {
	case model.KindVTable:
		if cm.VTable.Create != nil {
			if err := cm.VTable.Create(cm.Instance); err != nil {
				return fmt.Errorf("model create of instance %q failed: %w", cm.Name, err)
			}
		}
		if len(cm.order) == 0 && cm.VTable.Step != nil {
			inst, step := cm.Instance, cm.VTable.Step
			fn := model.NewFunction(DefaultFunctionName, inst.StepSize,
				func(modelTime *float64, stopTime float64) (bool, error) {
					return step(inst, modelTime, stopTime)
				})
			if err := c.RegisterFunction(inst, fn); err != nil {
				return err
			}
		}
	case model.KindSetupExit:
		if err := cm.Setup.Setup(cm.Instance); err != nil {
			return fmt.Errorf("model setup of instance %q failed: %w", cm.Name, err)
		}
	default:
		return fmt.Errorf("instance %q has unknown plug-in kind %v", cm.Name, cm.Kind)
	}
	return nil
}

// DestroyModel invokes the plug-in's destroy/exit entry point, if any.
func (c *Controller) DestroyModel(cm *ControllerModel) error {
	switch cm.Kind {
	case model.KindVTable:
		if cm.VTable.Destroy != nil {
			cm.VTable.Destroy(cm.Instance)
		}
	case model.KindSetupExit:
		if cm.Setup.Exit != nil {
			if err := cm.Setup.Exit(cm.Instance); err != nil {
				return fmt.Errorf("model exit of instance %q failed: %w", cm.Name, err)
			}
		}
	}
	return nil
}

// Run drives the step coordinator until end-of-run, a fault, or a stop
// request. The stop flag is checked at tick boundaries only; a long step
// handler runs to completion.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if c.stop.Requested() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		state, err := c.Step(ctx)
		if err != nil {
			if c.stop.Requested() {
				return ErrCancelled
			}
			return err
		}
		if state == StateTerminal {
			c.log.Info("End of run reached", "modelTime", c.ModelTime())
			return nil
		}
	}
}

// BusReady performs the bus-ready handshake for async mode: one ready
// exchange that obtains the first schedule grant and moves every model's
// time to the first step boundary. The external driver takes over from
// there via the gateway's sync surface.
func (c *Controller) BusReady(ctx context.Context) error {
	if err := c.adapter.Ready(ctx); err != nil {
		return err
	}
	for _, cm := range c.models {
		cm.Adapter.ModelTime = cm.Adapter.StopTime
	}
	return nil
}

// ModelTime reports the current simulation time.
func (c *Controller) ModelTime() float64 {
	if len(c.models) == 0 {
		return 0
	}
	return c.models[0].Adapter.ModelTime
}
