package model

import (
	"fmt"
	"sync"
)

// GatewayName is the built-in model bound when a Model descriptor carries
// the gateway runtime key and no dynlib path.
const GatewayName = "gateway"

var (
	builtinMu sync.RWMutex
	builtins  = map[string]VTable{}
)

// RegisterBuiltin binds an in-process model under a name, so a Model
// descriptor can reference it without a dynlib path. The gateway model
// registers itself this way; tests use the same seam.
func RegisterBuiltin(name string, vt VTable) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[name] = vt
}

// LookupBuiltin resolves a built-in model vtable.
func LookupBuiltin(name string) (VTable, error) {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	vt, ok := builtins[name]
	if !ok {
		return VTable{}, fmt.Errorf("no built-in model registered under %q", name)
	}
	return vt, nil
}
