package controller

import (
	"errors"
	"fmt"
	"plugin"

	"github.com/simbus-network/sim-runtime/mc-node/model"
)

// Plug-in symbol names. The exact strings are the contract.
const (
	SymbolCreate  = "ModelCreate"
	SymbolStep    = "ModelStep"
	SymbolDestroy = "ModelDestroy"
	SymbolSetup   = "ModelSetup"
	SymbolExit    = "ModelExit"
)

var errIncompleteInterface = errors.New("plug-in exports neither a create nor a step entry point")

// PluginLoadError is a fatal plug-in binding failure, carrying the
// underlying loader message.
type PluginLoadError struct {
	Path string
	Err  error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("failed to load model plug-in %q: %v", e.Path, e.Err)
}

func (e *PluginLoadError) Unwrap() error {
	return e.Err
}

// LoadModel binds the plug-in entry points of a controller model: from the
// built-in registry when a built-in name is set (the gateway path), or from
// the shared library at the resolved dynlib path.
func (c *Controller) LoadModel(cm *ControllerModel) error {
	switch {
	case cm.Builtin != "":
		vt, err := model.LookupBuiltin(cm.Builtin)
		if err != nil {
			return &PluginLoadError{Path: "builtin:" + cm.Builtin, Err: err}
		}
		if vt.Create == nil && vt.Step == nil {
			return &PluginLoadError{Path: "builtin:" + cm.Builtin, Err: errIncompleteInterface}
		}
		cm.Kind = model.KindVTable
		cm.VTable = vt
		c.log.Debug("Bound built-in model", "instance", cm.Name, "builtin", cm.Builtin)
		return nil
	case cm.Path != "":
		return c.loadDynlib(cm)
	default:
		return &PluginLoadError{Path: "", Err: errors.New("instance has neither a dynlib path nor a built-in name")}
	}
}

func (c *Controller) loadDynlib(cm *ControllerModel) error {
	p, err := plugin.Open(cm.Path)
	if err != nil {
		return &PluginLoadError{Path: cm.Path, Err: err}
	}

	create, _ := lookupSymbol[func(*model.Instance) error](p, SymbolCreate)
	step, _ := lookupSymbol[func(*model.Instance, *float64, float64) (bool, error)](p, SymbolStep)
	if create == nil && step == nil {
		// Fall back to the older setup/exit contract.
		setup, _ := lookupSymbol[func(*model.Instance) error](p, SymbolSetup)
		if setup == nil {
			return &PluginLoadError{Path: cm.Path, Err: errIncompleteInterface}
		}
		exit, _ := lookupSymbol[func(*model.Instance) error](p, SymbolExit)
		cm.Kind = model.KindSetupExit
		cm.Setup = model.SetupFuncs{Setup: setup, Exit: exit}
		c.log.Debug("Loaded model plug-in", "instance", cm.Name, "path", cm.Path, "kind", cm.Kind)
		return nil
	}

	// Missing destroy is tolerated.
	destroy, _ := lookupSymbol[func(*model.Instance)](p, SymbolDestroy)
	cm.Kind = model.KindVTable
	cm.VTable = model.VTable{Create: create, Step: step, Destroy: destroy}
	c.log.Debug("Loaded model plug-in", "instance", cm.Name, "path", cm.Path, "kind", cm.Kind)
	return nil
}

func lookupSymbol[T any](p *plugin.Plugin, name string) (T, bool) {
	var zero T
	sym, err := p.Lookup(name)
	if err != nil {
		return zero, false
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, false
	}
	return fn, true
}
