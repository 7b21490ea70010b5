// Package gateway is the embedded-mode facade of the model controller: an
// external driver that owns its own time source drives the step machinery
// through a setup / sync / exit surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/simbus-network/sim-runtime/mc-node/adapter"
	"github.com/simbus-network/sim-runtime/mc-node/controller"
	"github.com/simbus-network/sim-runtime/mc-node/descriptor"
	"github.com/simbus-network/sim-runtime/mc-node/flags"
	"github.com/simbus-network/sim-runtime/mc-node/model"
	"github.com/simbus-network/sim-runtime/mc-node/modelc"
	oplog "github.com/simbus-network/sim-runtime/mc-service/log"
)

// FunctionName is the gateway's internal step function. It has no local
// physics: the external driver is the physics, the function only follows
// the bus schedule.
const FunctionName = "gateway"

var (
	// ErrBehindBus is the "behind SimBus" feedback signal: the caller's
	// time is behind the bus and no work was done. The caller must advance
	// its own time and retry.
	ErrBehindBus = errors.New("gateway is behind the simbus time")
	// ErrEndOfRun reports that the simulation reached its end time while
	// syncing.
	ErrEndOfRun = errors.New("simulation end of run reached")
	// ErrNotSetup is returned by Sync before a successful Setup.
	ErrNotSetup = errors.New("gateway is not set up")
)

func init() {
	model.RegisterBuiltin(model.GatewayName, model.VTable{
		Create: gatewayCreate,
		Step:   gatewayStep,
	})
}

func gatewayStep(m *model.Instance, modelTime *float64, stopTime float64) (bool, error) {
	*modelTime = stopTime
	return false, nil
}

// gatewayCreate registers the internal step function and configures the
// channels declared on the gateway Model document.
func gatewayCreate(m *model.Instance) error {
	fn := model.NewFunction(FunctionName, m.StepSize,
		func(modelTime *float64, stopTime float64) (bool, error) {
			*modelTime = stopTime
			return false, nil
		})
	if err := m.RegisterFunction(fn); err != nil {
		return err
	}
	if m.Docs == nil {
		return nil
	}
	for _, doc := range m.Docs.Documents() {
		if doc.Kind != descriptor.KindModel {
			continue
		}
		spec, err := doc.ModelSpec()
		if err != nil {
			return err
		}
		if !spec.Runtime.HasGateway() {
			continue
		}
		for _, ch := range spec.Channels {
			if _, err := m.InitChannel(FunctionName, ch.Name, ch.Signals); err != nil {
				return err
			}
		}
	}
	return nil
}

// Gateway lets an external driver own the time loop of one simulation.
// The zero value is safe to Exit.
type Gateway struct {
	log log.Logger

	rt   *modelc.Runtime
	ctrl *controller.Controller
	am   *adapter.Model
	sv   *SignalVector
	argv []string
	docs *descriptor.List

	initialized bool
}

// New creates a gateway that logs through the given logger.
// Pass nil to have Setup construct one from its log level argument.
func New(logger log.Logger) *Gateway {
	return &Gateway{log: logger}
}

// Setup synthesises an argv-shaped invocation, configures the simulation
// and starts it in async mode. After Setup returns, the bus schedule
// stands at the first step boundary and Sync may be called.
func (g *Gateway) Setup(ctx context.Context, name string, yamlPaths []string, logLevel slog.Level, stepSize, endTime float64) error {
	if g.initialized {
		return errors.New("gateway already set up")
	}
	if g.log == nil {
		logCfg := oplog.DefaultCLIConfig()
		logCfg.Level = logLevel
		g.log = oplog.NewLogger(os.Stdout, logCfg)
	}

	argv := []string{"gateway", "--name=" + name}
	argv = append(argv, yamlPaths...)
	g.argv = argv

	cfg, err := parseConfig(g.log, argv)
	if err != nil {
		return fmt.Errorf("failed to parse gateway invocation: %w", err)
	}
	cfg.StepSize = stepSize
	cfg.EndTime = endTime
	cfg.Async = true
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("invalid gateway configuration: %w", err)
	}

	rt, err := modelc.New(ctx, cfg, g.log.New("component", "gateway"), "gateway", nil)
	if err != nil {
		return err
	}
	if err := rt.Run(ctx); err != nil {
		rerr := rt.Stop(ctx)
		if rerr != nil && !errors.Is(rerr, modelc.ErrAlreadyClosed) {
			return multierror.Append(err, rerr)
		}
		return err
	}

	inst, ok := rt.Instance(name)
	if !ok {
		return fmt.Errorf("gateway instance %q not configured", name)
	}
	fn, ok := inst.Controller.Function(FunctionName)
	if !ok {
		return fmt.Errorf("gateway function not registered on instance %q", name)
	}

	g.rt = rt
	g.ctrl = rt.Controller()
	g.am = inst.Adapter
	g.sv = &SignalVector{fn: fn}
	g.docs = rt.Docs()
	g.initialized = true
	g.log.Info("Gateway set up", "name", name, "stepSize", stepSize, "endTime", endTime,
		"busTime", g.am.ModelTime)
	return nil
}

// parseConfig runs the synthesized argv through the shared flag surface.
func parseConfig(logger log.Logger, argv []string) (*modelc.Config, error) {
	var cfg *modelc.Config
	app := cli.NewApp()
	app.Name = "gateway"
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		c, err := modelc.NewConfigFromCLI(logger, ctx)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	}
	if err := app.Run(argv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sync advances the bus to the caller's time. If the caller is behind the
// bus, ErrBehindBus is returned and no work is done; the caller must catch
// up and retry. Otherwise the step coordinator runs until the bus time is
// strictly past t. Coordinator faults propagate verbatim.
func (g *Gateway) Sync(ctx context.Context, t float64) error {
	if !g.initialized {
		return ErrNotSetup
	}
	if t < g.am.ModelTime {
		return fmt.Errorf("%w: caller %v, bus %v", ErrBehindBus, t, g.am.ModelTime)
	}
	for g.am.ModelTime <= t {
		state, err := g.ctrl.Step(ctx)
		if err != nil {
			return err
		}
		if state == controller.StateTerminal {
			return fmt.Errorf("%w: bus %v", ErrEndOfRun, g.am.ModelTime)
		}
	}
	return nil
}

// Time reports the bus time the gateway stands at.
func (g *Gateway) Time() float64 {
	if g.am == nil {
		return 0
	}
	return g.am.ModelTime
}

// Signals exposes the gateway function's channel bindings to the driver.
func (g *Gateway) Signals() *SignalVector {
	return g.sv
}

// Exit tears the gateway down: the simulation (destroying the instance),
// the signal-vector helper, the argv storage, and last the YAML document
// list, which must outlive the adapter. Exit is idempotent and safe on a
// zero-initialised gateway.
func (g *Gateway) Exit(ctx context.Context) error {
	if !g.initialized {
		return nil
	}
	var result *multierror.Error
	if g.rt != nil {
		if err := g.rt.Stop(ctx); err != nil && !errors.Is(err, modelc.ErrAlreadyClosed) {
			result = multierror.Append(result, err)
		}
		g.rt = nil
	}
	g.ctrl = nil
	g.am = nil
	g.sv = nil
	g.argv = nil
	g.docs = nil
	g.initialized = false
	return result.ErrorOrNil()
}

// SignalVector is a convenience view over the gateway function's channel
// bindings, letting the external driver exchange signal values by name.
type SignalVector struct {
	fn *model.Function
}

func (v *SignalVector) binding(channel string) (*model.FunctionChannel, bool) {
	return v.fn.Channel(channel)
}

// Value reads a scalar signal.
func (v *SignalVector) Value(channel, signal string) (float64, bool) {
	ch, ok := v.binding(channel)
	if !ok {
		return 0, false
	}
	i, ok := ch.SignalIndex(signal)
	if !ok {
		return 0, false
	}
	return ch.Values[i], true
}

// SetValue writes a scalar signal; it is published on the next sync.
func (v *SignalVector) SetValue(channel, signal string, val float64) bool {
	ch, ok := v.binding(channel)
	if !ok {
		return false
	}
	i, ok := ch.SignalIndex(signal)
	if !ok {
		return false
	}
	ch.Values[i] = val
	return true
}

// Binary reads and consumes a binary signal payload.
func (v *SignalVector) Binary(channel, signal string) ([]byte, bool) {
	ch, ok := v.binding(channel)
	if !ok {
		return nil, false
	}
	i, ok := ch.SignalIndex(signal)
	if !ok {
		return nil, false
	}
	if len(ch.Binary[i]) == 0 {
		return nil, true
	}
	out := make([]byte, len(ch.Binary[i]))
	copy(out, ch.Binary[i])
	ch.ClearBinary(i)
	return out, true
}

// SetBinary replaces a binary signal payload; it is published and consumed
// on the next sync.
func (v *SignalVector) SetBinary(channel, signal string, data []byte) bool {
	ch, ok := v.binding(channel)
	if !ok {
		return false
	}
	i, ok := ch.SignalIndex(signal)
	if !ok {
		return false
	}
	ch.ClearBinary(i)
	ch.AppendBinary(i, data)
	return true
}
