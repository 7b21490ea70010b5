package modelc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/simbus-network/sim-runtime/mc-node/flags"
	opmetrics "github.com/simbus-network/sim-runtime/mc-service/metrics"
)

// DefaultTimeout is substituted when the configured model timeout is not
// positive.
const DefaultTimeout = 60 * time.Second

var (
	ErrMissingName     = errors.New("missing model instance name")
	ErrMissingYaml     = errors.New("no YAML descriptor files given")
	ErrInvalidStepSize = errors.New("step size must be positive")
	ErrStepBeyondEnd   = errors.New("step size exceeds simulation end time")
)

// Config assembles a simulation from CLI/descriptor inputs.
type Config struct {
	// Names holds the model instance names to host, in configured order.
	Names []string
	// YamlFiles are the descriptor files, in load order.
	YamlFiles []string

	Transport string
	URI       string

	// UID is the simulation UID; instance UIDs may be derived from it.
	UID uint32

	StepSize float64
	EndTime  float64
	// Timeout bounds each bus ready exchange.
	Timeout time.Duration

	// Dynlib overrides the descriptor-selected dynlib path for all
	// instances. CLI wins over descriptors.
	Dynlib string

	// Async makes Run return after the bus-ready handshake instead of
	// entering the synchronous step loop. The gateway sets this.
	Async bool

	Metrics opmetrics.CLIConfig
}

// Check validates the configuration and applies the timeout default.
func (cfg *Config) Check() error {
	if len(cfg.Names) == 0 {
		return ErrMissingName
	}
	if len(cfg.YamlFiles) == 0 {
		return ErrMissingYaml
	}
	if cfg.Transport == "" {
		return errors.New("missing transport kind")
	}
	if cfg.StepSize <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidStepSize, cfg.StepSize)
	}
	if cfg.EndTime > 0 && cfg.StepSize > cfg.EndTime {
		return fmt.Errorf("%w: step %v, end %v", ErrStepBeyondEnd, cfg.StepSize, cfg.EndTime)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if err := cfg.Metrics.Check(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

// ParseNames splits a semicolon-separated instance name list.
func ParseNames(name string) []string {
	var out []string
	for _, n := range strings.Split(name, ";") {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// NewConfigFromCLI creates a Config from the provided flags and positional
// YAML file arguments.
func NewConfigFromCLI(logger log.Logger, ctx *cli.Context) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, err
	}
	cfg := &Config{
		Names:     ParseNames(ctx.String(flags.NameFlagName)),
		YamlFiles: ctx.Args().Slice(),
		Transport: ctx.String(flags.TransportFlagName),
		URI:       ctx.String(flags.URIFlagName),
		UID:       uint32(ctx.Uint(flags.UIDFlagName)),
		StepSize:  ctx.Float64(flags.StepSizeFlagName),
		EndTime:   ctx.Float64(flags.EndTimeFlagName),
		Timeout:   time.Duration(ctx.Float64(flags.TimeoutFlagName) * float64(time.Second)),
		Dynlib:    ctx.String(flags.DynlibFlagName),
		Metrics:   opmetrics.ReadCLIConfig(ctx),
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Debug("Parsed modelc configuration", "names", cfg.Names,
		"transport", cfg.Transport, "stepSize", cfg.StepSize, "endTime", cfg.EndTime)
	return cfg, nil
}
