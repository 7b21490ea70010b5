// Package modelc hosts the model instance lifecycle: descriptor resolution,
// instance configuration, endpoint bring-up, the run loop entry and the
// reverse-ordered teardown.
package modelc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"

	"github.com/simbus-network/sim-runtime/mc-node/adapter"
	"github.com/simbus-network/sim-runtime/mc-node/controller"
	"github.com/simbus-network/sim-runtime/mc-node/descriptor"
	"github.com/simbus-network/sim-runtime/mc-node/metrics"
	"github.com/simbus-network/sim-runtime/mc-node/model"
	"github.com/simbus-network/sim-runtime/mc-node/transport"
	"github.com/simbus-network/sim-runtime/mc-service/httputil"
	"github.com/simbus-network/sim-runtime/mc-service/retry"
)

var ErrAlreadyClosed = errors.New("runtime is already closed")

// Endpoint bring-up rides out peer start-up races.
const (
	endpointRetryCount = 60
	endpointRetryDelay = time.Second
)

// ModelDefinition records how a model instance is loaded.
type ModelDefinition struct {
	// Name is the Model document's metadata name.
	Name string
	// Path is the model directory from the document's path annotation.
	Path string
	// File is the platform-selected dynlib filename.
	File string
	// FullPath is the resolved dynlib path handed to the loader.
	FullPath string
	// Builtin names an in-process model instead of a dynlib.
	Builtin string
}

// ModelInstance is one configured running model within a simulation.
type ModelInstance struct {
	Name       string
	UID        uint32
	Definition ModelDefinition

	Model      *model.Instance
	Controller *controller.ControllerModel
	Adapter    *adapter.Model
}

// Simulation is the top-level container of a run.
type Simulation struct {
	Transport string
	URI       string
	UID       uint32
	StepSize  float64
	EndTime   float64
	Timeout   time.Duration
	Instances []*ModelInstance
}

// Runtime owns the simulation, the adapter and the controller of one process.
type Runtime struct {
	cfg        *Config
	log        log.Logger
	appVersion string
	metrics    *metrics.Metrics

	docs *descriptor.List
	sim  *Simulation

	endpoint transport.Endpoint
	adapter  *adapter.Adapter
	ctrl     *controller.Controller
	// adapterMu protects adapter/endpoint against the async Shutdown path.
	adapterMu gosync.Mutex

	stop       controller.StopSignal
	metricsSrv *httputil.HTTPServer
	closed     atomic.Bool
}

// New configures a runtime from the descriptor bundle named by cfg.
// The provided ctx is for the span of initialization only. On a failed
// init the runtime resources are closed before returning.
func New(ctx context.Context, cfg *Config, logger log.Logger, appVersion string, m *metrics.Metrics) (*Runtime, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewMetrics("default")
	}
	r := &Runtime{
		cfg:        cfg,
		log:        logger,
		appVersion: appVersion,
		metrics:    m,
	}
	if err := r.init(ctx, cfg); err != nil {
		logger.Error("Error initializing the modelc runtime", "err", err)
		if closeErr := r.Stop(ctx); closeErr != nil && !errors.Is(closeErr, ErrAlreadyClosed) {
			return nil, multierror.Append(err, closeErr)
		}
		return nil, err
	}
	return r, nil
}

func (r *Runtime) init(ctx context.Context, cfg *Config) error {
	r.log.Info("Initializing modelc runtime", "version", r.appVersion)
	if err := r.initDescriptors(cfg); err != nil {
		return fmt.Errorf("failed to load descriptors: %w", err)
	}
	if err := r.initSimulation(cfg); err != nil {
		return fmt.Errorf("failed to configure the simulation: %w", err)
	}
	if err := r.initMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to init the metrics server: %w", err)
	}
	r.metrics.RecordInfo(r.appVersion)
	r.metrics.RecordUp()
	return nil
}

func (r *Runtime) initDescriptors(cfg *Config) error {
	docs, err := descriptor.LoadAll(cfg.YamlFiles)
	if err != nil {
		return err
	}
	r.docs = docs
	return nil
}

func (r *Runtime) initSimulation(cfg *Config) error {
	sim := &Simulation{
		Transport: cfg.Transport,
		URI:       cfg.URI,
		UID:       cfg.UID,
		StepSize:  cfg.StepSize,
		EndTime:   cfg.EndTime,
		Timeout:   cfg.Timeout,
	}
	for _, name := range cfg.Names {
		inst, err := r.configureInstance(cfg, name)
		if err != nil {
			return err
		}
		sim.Instances = append(sim.Instances, inst)
	}
	r.sim = sim
	return nil
}

// configureInstance resolves one instance name against the descriptor list.
func (r *Runtime) configureInstance(cfg *Config, name string) (*ModelInstance, error) {
	sm, err := r.docs.FindStackModel(name)
	if err != nil {
		return nil, fmt.Errorf("invalid instance name %q: %w", name, err)
	}
	mdoc, err := r.docs.FindModelDoc(sm.Model.Name)
	if err != nil {
		return nil, fmt.Errorf("model of instance %q: %w", name, err)
	}
	spec, err := mdoc.ModelSpec()
	if err != nil {
		return nil, err
	}

	path := mdoc.Metadata.Annotations[descriptor.AnnotationPath]
	if path != "" {
		// The model directory may carry an auxiliary model.yaml with the
		// full definition; merge it when present.
		aux := filepath.Join(path, "model.yaml")
		if docs, err := descriptor.Load(aux); err == nil {
			r.docs.Merge(docs)
		} else {
			r.log.Debug("No auxiliary model.yaml merged", "model", sm.Model.Name, "err", err)
		}
	}

	def := ModelDefinition{Name: sm.Model.Name, Path: path}
	switch {
	case cfg.Dynlib != "":
		// CLI override wins over the descriptor selection.
		def.FullPath = cfg.Dynlib
	case spec.Runtime.Builtin != "":
		def.Builtin = spec.Runtime.Builtin
	case spec.Runtime.HasGateway() && len(spec.Runtime.Dynlib) == 0:
		def.Builtin = model.GatewayName
	default:
		d, ok := spec.Dynlib(runtime.GOOS, runtime.GOARCH)
		if !ok {
			return nil, fmt.Errorf("model %q has no dynlib for %s/%s",
				sm.Model.Name, runtime.GOOS, runtime.GOARCH)
		}
		def.File = d.Path
		def.FullPath = filepath.Join(path, d.Path)
		if def.FullPath == "" {
			return nil, fmt.Errorf("model %q dynlib path did not resolve", sm.Model.Name)
		}
	}

	return &ModelInstance{Name: name, UID: sm.UID, Definition: def}, nil
}

func (r *Runtime) initMetricsServer(cfg *Config) error {
	if !cfg.Metrics.Enabled {
		r.log.Info("metrics disabled")
		return nil
	}
	r.log.Debug("starting metrics server", "addr", cfg.Metrics.ListenAddr, "port", cfg.Metrics.ListenPort)
	metricsSrv, err := r.metrics.StartServer(cfg.Metrics.ListenAddr, cfg.Metrics.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	r.log.Info("started metrics server", "addr", metricsSrv.Addr())
	r.metricsSrv = metricsSrv
	return nil
}

// Run brings up the endpoint, loads and creates every instance's plug-in,
// and either returns after the bus-ready handshake (async mode) or drives
// the synchronous step loop until end-of-run, fault or cancellation.
func (r *Runtime) Run(ctx context.Context) error {
	ep, err := r.initEndpoint(ctx)
	if err != nil {
		return err
	}

	adpt := adapter.New(r.log.New("component", "adapter"), ep, r.sim.Timeout)
	r.adapterMu.Lock()
	r.endpoint = ep
	r.adapter = adpt
	r.adapterMu.Unlock()

	r.ctrl = controller.New(r.log.New("component", "controller"), adpt, &r.stop,
		r.metrics, r.sim.StepSize, r.sim.EndTime)

	for i, inst := range r.sim.Instances {
		if err := r.startInstance(ctx, i, inst); err != nil {
			return err
		}
	}

	if r.cfg.Async {
		r.log.Info("Simulation started in async mode", "instances", len(r.sim.Instances))
		return r.ctrl.BusReady(ctx)
	}

	r.log.Info("Starting simulation run", "stepSize", r.sim.StepSize, "endTime", r.sim.EndTime)
	err = r.ctrl.Run(ctx)
	switch {
	case err == nil:
		r.log.Info("Simulation run complete", "modelTime", r.ctrl.ModelTime())
	case errors.Is(err, controller.ErrCancelled):
		r.log.Info("Simulation run cancelled", "modelTime", r.ctrl.ModelTime())
	case errors.Is(err, adapter.ErrTimeout):
		r.log.Error("Simulation run timed out waiting for simbus", "err", err)
	default:
		r.log.Error("Simulation run failed", "err", err)
	}
	return err
}

// initEndpoint creates the bus endpoint and connects with retries, riding
// out peer start-up races. A stop request during the retry loop aborts
// with a cancelled error; endpoint misconfiguration is the usual cause.
func (r *Runtime) initEndpoint(ctx context.Context) (transport.Endpoint, error) {
	opts := transport.Options{
		Log:      r.log,
		StepSize: r.sim.StepSize,
		Timeout:  r.sim.Timeout,
	}
	ep, err := transport.New(r.sim.Transport, r.sim.URI, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create simbus endpoint: %w", err)
	}
	err = retry.Do0(ctx, endpointRetryCount, retry.Fixed(endpointRetryDelay), func() error {
		if r.stop.Requested() {
			return retry.Permanent(fmt.Errorf("%w: stop requested during endpoint bring-up", controller.ErrCancelled))
		}
		return ep.Connect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect simbus endpoint: %w", err)
	}
	return ep, nil
}

// startInstance assigns the instance UID, registers the adapter model and
// loads and creates the plug-in.
func (r *Runtime) startInstance(ctx context.Context, position int, inst *ModelInstance) error {
	uid := inst.UID
	if uid == 0 {
		// Derived UID; the bus assignment, if any, is authoritative.
		uid = uint32(position+1)*10000 + r.sim.UID
	}
	am, err := r.adapter.RegisterModel(ctx, uid)
	if err != nil {
		return err
	}
	inst.UID = am.UID
	inst.Adapter = am

	inst.Model = &model.Instance{
		Name:     inst.Name,
		UID:      am.UID,
		StepSize: r.sim.StepSize,
		EndTime:  r.sim.EndTime,
		Docs:     r.docs,
	}

	cm := r.ctrl.AddModel(inst.Model, am)
	cm.Path = inst.Definition.FullPath
	cm.Builtin = inst.Definition.Builtin
	inst.Controller = cm

	if err := r.ctrl.LoadModel(cm); err != nil {
		return err
	}
	if err := r.ctrl.CreateModel(cm); err != nil {
		return err
	}
	r.log.Info("Model instance started", "name", inst.Name, "uid", inst.UID,
		"model", inst.Definition.Name)
	return nil
}

// Shutdown requests an interrupt-safe stop: it sets the stop flag and
// interrupts the adapter. The run loop drains at the next tick boundary.
func (r *Runtime) Shutdown() {
	r.stop.Request()
	r.adapterMu.Lock()
	adpt := r.adapter
	r.adapterMu.Unlock()
	if adpt != nil {
		adpt.Interrupt()
	}
}

// Stop tears the runtime down in reverse order: plug-in exits, the adapter,
// the instance and simulation records, and the YAML document list last
// (the model instances hold borrowed references into it). Stop is idempotent.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.closed.Load() {
		return ErrAlreadyClosed
	}

	var result *multierror.Error

	if r.ctrl != nil {
		models := r.ctrl.Models()
		for i := len(models) - 1; i >= 0; i-- {
			if err := r.ctrl.DestroyModel(models[i]); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to destroy model %q: %w", models[i].Name, err))
			}
		}
		r.ctrl = nil
	}

	r.adapterMu.Lock()
	if r.adapter != nil {
		if err := r.adapter.Exit(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close adapter: %w", err))
		}
		r.adapter = nil
		r.endpoint = nil
	} else if r.endpoint != nil {
		if err := r.endpoint.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close endpoint: %w", err))
		}
		r.endpoint = nil
	}
	r.adapterMu.Unlock()

	if r.sim != nil {
		for _, inst := range r.sim.Instances {
			inst.Model = nil
			inst.Controller = nil
			inst.Adapter = nil
		}
		r.sim.Instances = nil
		r.sim = nil
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close metrics server: %w", err))
		}
		r.metricsSrv = nil
	}

	// Released only after the adapter is gone.
	r.docs = nil

	if result == nil {
		r.closed.Store(true)
	}
	return result.ErrorOrNil()
}

// Stopped reports whether the runtime fully closed.
func (r *Runtime) Stopped() bool {
	return r.closed.Load()
}

// Controller exposes the step coordinator, e.g. to the gateway facade.
func (r *Runtime) Controller() *controller.Controller {
	return r.ctrl
}

// Docs exposes the simulation's YAML document list.
func (r *Runtime) Docs() *descriptor.List {
	return r.docs
}

// Instance looks up a configured model instance by name.
func (r *Runtime) Instance(name string) (*ModelInstance, bool) {
	if r.sim == nil {
		return nil, false
	}
	for _, inst := range r.sim.Instances {
		if inst.Name == name {
			return inst, true
		}
	}
	return nil, false
}
