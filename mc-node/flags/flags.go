// Package flags defines the command-line surface of the modelc node.
package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	oplog "github.com/simbus-network/sim-runtime/mc-service/log"
	opmetrics "github.com/simbus-network/sim-runtime/mc-service/metrics"
)

const EnvVarPrefix = "MODELC"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

const (
	NameFlagName      = "name"
	TransportFlagName = "transport"
	URIFlagName       = "uri"
	UIDFlagName       = "uid"
	StepSizeFlagName  = "step-size"
	EndTimeFlagName   = "end-time"
	TimeoutFlagName   = "timeout"
	DynlibFlagName    = "dynlib"
)

var (
	NameFlag = &cli.StringFlag{
		Name:    NameFlagName,
		Usage:   "Model instance name(s) to run, semicolon separated",
		EnvVars: prefixEnvVars("NAME"),
	}
	TransportFlag = &cli.StringFlag{
		Name:    TransportFlagName,
		Usage:   "SimBus transport kind",
		Value:   "loopback",
		EnvVars: prefixEnvVars("TRANSPORT"),
	}
	URIFlag = &cli.StringFlag{
		Name:    URIFlagName,
		Usage:   "SimBus transport URI",
		EnvVars: prefixEnvVars("URI"),
	}
	UIDFlag = &cli.UintFlag{
		Name:    UIDFlagName,
		Usage:   "Simulation UID, used to derive model UIDs",
		EnvVars: prefixEnvVars("UID"),
	}
	StepSizeFlag = &cli.Float64Flag{
		Name:    StepSizeFlagName,
		Usage:   "Simulation step size in seconds",
		Value:   0.0005,
		EnvVars: prefixEnvVars("STEP_SIZE"),
	}
	EndTimeFlag = &cli.Float64Flag{
		Name:    EndTimeFlagName,
		Usage:   "Simulation end time in seconds, 0 or negative runs open-ended",
		EnvVars: prefixEnvVars("END_TIME"),
	}
	TimeoutFlag = &cli.Float64Flag{
		Name:    TimeoutFlagName,
		Usage:   "SimBus ready timeout in seconds per model",
		EnvVars: prefixEnvVars("TIMEOUT"),
	}
	DynlibFlag = &cli.StringFlag{
		Name:    DynlibFlagName,
		Usage:   "Override the model dynlib path selected from the Model descriptor",
		EnvVars: prefixEnvVars("DYNLIB"),
	}
)

var requiredFlags = []cli.Flag{
	NameFlag,
}

var optionalFlags = []cli.Flag{
	TransportFlag,
	URIFlag,
	UIDFlag,
	StepSizeFlag,
	EndTimeFlag,
	TimeoutFlag,
	DynlibFlag,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)
	Flags = append(requiredFlags, optionalFlags...)
}

// CheckRequired verifies required flags are set.
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
