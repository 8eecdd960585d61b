package main

import (
	"context"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vna"
)

var powerParameter string
var defaultPowerParameter = vna.DefaultPowerParameter

var powerFormat string
var defaultPowerFormat = string(scpi.FormatLogMagnitude)

var PowerCmd = &cobra.Command{
	Use:   "power",
	Short: "Start a power measurement and stream its data.",
	Long:  "Sets up a single trace power measurement, then polls its data every --poll-interval, writing every reply to the output until interrupted or --duration elapses, when the measurement is stopped.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx, _ := log.MustWithAttrs(
			cmd.Context(),
			"address", address,
			"start-khz", startKHz,
			"stop-khz", stopKHz,
			"points", points,
			"parameter", powerParameter,
		)
		cmd.SetContext(ctx)

		endpoint, err := GetEndpoint()
		if err != nil {
			return err
		}

		format, err := scpi.ParseFormat(powerFormat)
		if err != nil {
			return err
		}

		params := vna.PowerParameters{
			StartKHz:    startKHz,
			StopKHz:     stopKHz,
			Points:      points,
			BandwidthHz: bandwidthHz,
			Parameter:   powerParameter,
			Format:      format,
		}
		if err := params.Validate(); err != nil {
			return err
		}

		return runAcquisition(ctx, func(ctx context.Context, client *vna.Client) error {
			if err := client.SetEndpoint(ctx, endpoint); err != nil {
				return err
			}
			return client.StartPowerMeasurement(ctx, params)
		})
	}),
}

func init() {
	AddInstrumentFlags(PowerCmd)
	AddSweepFlags(PowerCmd)
	AddOutputFlags(PowerCmd)

	PowerCmd.Flags().StringVar(&powerParameter, "parameter", defaultPowerParameter, "Measured parameter")
	PowerCmd.Flags().StringVar(&powerFormat, "format", defaultPowerFormat, "Trace data format, such as MLOG or MLIN")

	RootCmd.AddCommand(PowerCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		powerParameter = defaultPowerParameter
		powerFormat = defaultPowerFormat
	})
}
