package modelc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	opmetrics "github.com/simbus-network/sim-runtime/mc-service/metrics"
)

func validConfig() *Config {
	return &Config{
		Names:     []string{"counter_A"},
		YamlFiles: []string{"stack.yaml"},
		Transport: "loopback",
		StepSize:  0.005,
		EndTime:   0.040,
		Timeout:   time.Second,
		Metrics:   opmetrics.DefaultCLIConfig(),
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Check())
}

func TestRequireName(t *testing.T) {
	cfg := validConfig()
	cfg.Names = nil
	require.ErrorIs(t, cfg.Check(), ErrMissingName)
}

func TestRequireYamlFiles(t *testing.T) {
	cfg := validConfig()
	cfg.YamlFiles = nil
	require.ErrorIs(t, cfg.Check(), ErrMissingYaml)
}

func TestRequireStepSize(t *testing.T) {
	cfg := validConfig()
	cfg.StepSize = 0
	require.ErrorIs(t, cfg.Check(), ErrInvalidStepSize)
}

// A step size beyond the end time is a fatal configuration error.
func TestStepBeyondEndTime(t *testing.T) {
	cfg := validConfig()
	cfg.StepSize = 1.0
	cfg.EndTime = 0.5
	require.ErrorIs(t, cfg.Check(), ErrStepBeyondEnd)
}

// A zero or negative end time runs open-ended, so any step size is fine.
func TestOpenEndedRunAllowsAnyStepSize(t *testing.T) {
	cfg := validConfig()
	cfg.StepSize = 10.0
	cfg.EndTime = 0
	require.NoError(t, cfg.Check())
}

func TestTimeoutDefaulted(t *testing.T) {
	cfg := validConfig()
	cfg.Timeout = 0
	require.NoError(t, cfg.Check())
	require.Equal(t, DefaultTimeout, cfg.Timeout)

	cfg.Timeout = -3 * time.Second
	require.NoError(t, cfg.Check())
	require.Equal(t, DefaultTimeout, cfg.Timeout)
}

func TestValidateMetricsConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenPort = -1
	require.ErrorIs(t, cfg.Check(), opmetrics.ErrInvalidPort)
}

func TestParseNames(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, ParseNames("a;b"))
	require.Equal(t, []string{"a"}, ParseNames("a"))
	require.Equal(t, []string{"a", "b"}, ParseNames(" a ; b ;"))
	require.Nil(t, ParseNames(""))
}
