package modelc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/simbus-network/sim-runtime/mc-node/controller"
	"github.com/simbus-network/sim-runtime/mc-node/descriptor"
	"github.com/simbus-network/sim-runtime/mc-node/model"
	"github.com/simbus-network/sim-runtime/mc-node/transport"
	"github.com/simbus-network/sim-runtime/mc-service/testlog"
)

const (
	counterBuiltin  = "runtime-test-counter"
	bareBuiltin     = "runtime-test-bare"
	failingConnect  = "failing-connect"
	counterStack    = "counter_A"
	counterStackAlt = "counter_B"
)

func init() {
	model.RegisterBuiltin(counterBuiltin, model.VTable{
		Create: func(m *model.Instance) error {
			var binding *model.FunctionChannel
			fn := model.NewFunction("count", m.StepSize,
				func(modelTime *float64, stopTime float64) (bool, error) {
					binding.Values[0]++
					return false, nil
				})
			if err := m.RegisterFunction(fn); err != nil {
				return err
			}
			b, err := m.InitChannel("count", "data", []string{"counter"})
			if err != nil {
				return err
			}
			binding = b
			m.Private = b
			return nil
		},
	})

	// A model with no channels at all.
	model.RegisterBuiltin(bareBuiltin, model.VTable{
		Step: func(m *model.Instance, modelTime *float64, stopTime float64) (bool, error) {
			return false, nil
		},
	})

	transport.RegisterKind(failingConnect, func(uri string, opts transport.Options) (transport.Endpoint, error) {
		return &failingEndpoint{}, nil
	})
}

type failingEndpoint struct{}

func (*failingEndpoint) Connect(ctx context.Context) error { return errors.New("connection refused") }
func (*failingEndpoint) Register(ctx context.Context, uid uint32) (uint32, error) {
	return uid, nil
}
func (*failingEndpoint) Ready(ctx context.Context, notices []transport.Notice) (transport.Grant, error) {
	return transport.Grant{}, errors.New("not connected")
}
func (*failingEndpoint) Interrupt()   {}
func (*failingEndpoint) Close() error { return nil }

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func counterFixture() string {
	return fmt.Sprintf(`
kind: Stack
metadata:
  name: test-stack
spec:
  models:
    - name: %s
      uid: 42
      model:
        name: Counter
    - name: %s
      model:
        name: Counter
---
kind: Model
metadata:
  name: Counter
spec:
  runtime:
    builtin: %s
`, counterStack, counterStackAlt, counterBuiltin)
}

func testConfig(t *testing.T, names []string, fixture string) *Config {
	cfg := validConfig()
	cfg.Names = names
	cfg.YamlFiles = []string{writeFixture(t, fixture)}
	cfg.StepSize = 1.0
	cfg.EndTime = 3.0
	cfg.Timeout = time.Second
	return cfg
}

func newTestRuntime(t *testing.T, cfg *Config) *Runtime {
	rt, err := New(context.Background(), cfg, testlog.Logger(t, log.LevelError), "test", nil)
	require.NoError(t, err)
	return rt
}

func TestRuntimeRunSingleModel(t *testing.T) {
	cfg := testConfig(t, []string{counterStack}, counterFixture())
	rt := newTestRuntime(t, cfg)

	require.NoError(t, rt.Run(context.Background()))

	inst, ok := rt.Instance(counterStack)
	require.True(t, ok)
	require.EqualValues(t, 42, inst.UID)

	binding := inst.Model.Private.(*model.FunctionChannel)
	require.Equal(t, 3.0, binding.Values[0])
	require.Equal(t, 3.0, rt.Controller().ModelTime())

	require.NoError(t, rt.Stop(context.Background()))
	require.True(t, rt.Stopped())
	require.ErrorIs(t, rt.Stop(context.Background()), ErrAlreadyClosed)
}

// A zero descriptor UID derives from the instance position and the sim UID.
func TestRuntimeDerivesUID(t *testing.T) {
	cfg := testConfig(t, []string{counterStackAlt}, counterFixture())
	cfg.UID = 7
	rt := newTestRuntime(t, cfg)
	defer rt.Stop(context.Background())

	require.NoError(t, rt.Run(context.Background()))

	inst, ok := rt.Instance(counterStackAlt)
	require.True(t, ok)
	require.EqualValues(t, 10007, inst.UID)
}

func TestRuntimeInvalidInstanceName(t *testing.T) {
	cfg := testConfig(t, []string{"ghost"}, counterFixture())
	_, err := New(context.Background(), cfg, testlog.Logger(t, log.LevelError), "test", nil)
	require.ErrorIs(t, err, descriptor.ErrDocumentNotFound)
}

// A model with no registered channels completes setup, step and exit cleanly.
func TestRuntimeModelWithoutChannels(t *testing.T) {
	fixture := fmt.Sprintf(`
kind: Stack
metadata:
  name: bare-stack
spec:
  models:
    - name: bare
      uid: 1
      model:
        name: Bare
---
kind: Model
metadata:
  name: Bare
spec:
  runtime:
    builtin: %s
`, bareBuiltin)
	cfg := testConfig(t, []string{"bare"}, fixture)
	cfg.EndTime = 2.0
	rt := newTestRuntime(t, cfg)

	require.NoError(t, rt.Run(context.Background()))
	require.Equal(t, 2.0, rt.Controller().ModelTime())
	require.NoError(t, rt.Stop(context.Background()))
}

func TestRuntimeDynlibResolution(t *testing.T) {
	fixture := fmt.Sprintf(`
kind: Stack
metadata:
  name: dyn-stack
spec:
  models:
    - name: dyn
      uid: 1
      model:
        name: Dyn
---
kind: Model
metadata:
  name: Dyn
  annotations:
    path: lib/dyn
spec:
  runtime:
    dynlib:
      - os: %s
        arch: %s
        path: dyn.so
`, goruntime.GOOS, goruntime.GOARCH)
	cfg := testConfig(t, []string{"dyn"}, fixture)
	rt := newTestRuntime(t, cfg)
	defer rt.Stop(context.Background())

	inst, ok := rt.Instance("dyn")
	require.True(t, ok)
	require.Equal(t, filepath.Join("lib/dyn", "dyn.so"), inst.Definition.FullPath)
	require.Equal(t, "dyn.so", inst.Definition.File)
}

func TestRuntimeDynlibOverrideWins(t *testing.T) {
	cfg := testConfig(t, []string{counterStack}, counterFixture())
	cfg.Dynlib = "/opt/models/override.so"
	rt := newTestRuntime(t, cfg)
	defer rt.Stop(context.Background())

	inst, ok := rt.Instance(counterStack)
	require.True(t, ok)
	require.Equal(t, "/opt/models/override.so", inst.Definition.FullPath)
	require.Empty(t, inst.Definition.Builtin)
}

func TestRuntimeMissingDynlibForPlatform(t *testing.T) {
	fixture := `
kind: Stack
metadata:
  name: other-stack
spec:
  models:
    - name: other
      uid: 1
      model:
        name: Other
---
kind: Model
metadata:
  name: Other
spec:
  runtime:
    dynlib:
      - os: plan9
        arch: mips
        path: other.so
`
	cfg := testConfig(t, []string{"other"}, fixture)
	_, err := New(context.Background(), cfg, testlog.Logger(t, log.LevelError), "test", nil)
	require.ErrorContains(t, err, "no dynlib")
}

// A stop request observed during the endpoint retry loop aborts with a
// cancelled error rather than a successful run.
func TestRuntimeStopDuringEndpointRetry(t *testing.T) {
	cfg := testConfig(t, []string{counterStack}, counterFixture())
	cfg.Transport = failingConnect
	rt := newTestRuntime(t, cfg)
	defer rt.Stop(context.Background())

	rt.Shutdown()
	err := rt.Run(context.Background())
	require.ErrorIs(t, err, controller.ErrCancelled)
}
