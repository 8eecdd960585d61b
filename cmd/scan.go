package main

import (
	"context"
	"fmt"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

var sourcePowerDBm float64
var defaultSourcePowerDBm = 0.0

var fixedKHz int64
var defaultFixedKHz int64 = 0

var traces []int
var defaultTraces = []int{1}

var traceParameters []string
var defaultTraceParameters = []string{"S11"}

var traceFormat string
var defaultTraceFormat = string(scpi.FormatLogMagnitude)

var sweepType string
var defaultSweepType = ""

// getTraceSetup pairs --traces with --trace-parameters. A single parameter applies to all traces.
func getTraceSetup() (vna.TraceSetup, error) {
	format, err := scpi.ParseFormat(traceFormat)
	if err != nil {
		return vna.TraceSetup{}, err
	}
	if len(traceParameters) != 1 && len(traceParameters) != len(traces) {
		return vna.TraceSetup{}, fmt.Errorf(
			"--trace-parameters must have either 1 or %d values (one per trace), got %d",
			len(traces), len(traceParameters),
		)
	}
	setup := vna.TraceSetup{SweepType: sweepType}
	for i, trace := range traces {
		parameter := traceParameters[0]
		if len(traceParameters) > 1 {
			parameter = traceParameters[i]
		}
		setup.Traces = append(setup.Traces, vna.TraceConfig{
			Number:    trace,
			Parameter: parameter,
			Format:    format,
		})
	}
	return setup, setup.Validate()
}

var ScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Configure traces, start a scan and stream trace data.",
	Long:  "Configures the instrument sweep and traces, then polls trace data every --poll-interval, writing every reply to the output until interrupted or --duration elapses, when the scan is stopped.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx, _ := log.MustWithAttrs(
			cmd.Context(),
			"address", address,
			"start-khz", startKHz,
			"stop-khz", stopKHz,
			"points", points,
			"traces", traces,
		)
		cmd.SetContext(ctx)

		endpoint, err := GetEndpoint()
		if err != nil {
			return err
		}

		setup, err := getTraceSetup()
		if err != nil {
			return err
		}

		params := vna.ScanParameters{
			StartKHz:    startKHz,
			StopKHz:     stopKHz,
			Points:      points,
			BandwidthHz: bandwidthHz,
			Traces:      setup.TraceNumbers(),
		}
		if cmd.Flags().Changed("source-power-dbm") {
			params.SourcePowerDBm = &sourcePowerDBm
		}
		if cmd.Flags().Changed("fixed-khz") {
			params.FixedFrequencyKHz = &fixedKHz
		}
		if err := params.Validate(); err != nil {
			return err
		}

		return runAcquisition(ctx, func(ctx context.Context, client *vna.Client) error {
			// The scan presets the instrument, so traces are defined after it.
			if err := client.StartScan(ctx, endpoint, params); err != nil {
				return err
			}
			return client.ConfigureTraces(ctx, endpoint, setup)
		})
	}),
}

func init() {
	AddInstrumentFlags(ScanCmd)
	AddSweepFlags(ScanCmd)
	AddOutputFlags(ScanCmd)

	ScanCmd.Flags().Float64Var(&sourcePowerDBm, "source-power-dbm", defaultSourcePowerDBm, "Source power in dBm; left unchanged when not given")
	ScanCmd.Flags().Int64Var(&fixedKHz, "fixed-khz", defaultFixedKHz, "CW frequency in kHz; left unchanged when not given")
	ScanCmd.Flags().IntSliceVar(&traces, "traces", defaultTraces, "Trace numbers to define and poll")
	ScanCmd.Flags().StringSliceVar(&traceParameters, "trace-parameters", defaultTraceParameters, "Measured parameter of each trace, such as S11 or S21")
	ScanCmd.Flags().StringVar(&traceFormat, "trace-format", defaultTraceFormat, "Trace data format, such as MLOG, PHAS or SWR")
	ScanCmd.Flags().StringVar(&sweepType, "sweep-type", defaultSweepType, "Sweep type, such as LIN or LOG; left unchanged when empty")

	RootCmd.AddCommand(ScanCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		sourcePowerDBm = defaultSourcePowerDBm
		fixedKHz = defaultFixedKHz
		traces = defaultTraces
		traceParameters = defaultTraceParameters
		traceFormat = defaultTraceFormat
		sweepType = defaultSweepType
	})
}
