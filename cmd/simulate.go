package main

import (
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/vnac/vnasim"
)

var listenAddress string
var defaultListenAddress = "127.0.0.1:5025"

var simulatorIDN string
var defaultSimulatorIDN = vnasim.DefaultIDN

var replyDelay time.Duration
var defaultReplyDelay time.Duration = 0

var opcDelay time.Duration
var defaultOPCDelay time.Duration = 0

var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated instrument.",
	Long:  "Listens for SCPI connections and answers them as a vector network analyzer would, with synthetic trace data. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"listen-address", listenAddress,
		)
		cmd.SetContext(ctx)

		instrument := vnasim.NewInstrument(vnasim.Config{
			IDN:        simulatorIDN,
			ReplyDelay: replyDelay,
			OPCDelay:   opcDelay,
		})
		logger.Info("Running", "idn", simulatorIDN)
		if err := instrument.Listen(listenAddress); err != nil {
			return err
		}
		return instrument.Serve(ctx)
	}),
}

func init() {
	SimulateCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")
	SimulateCmd.PersistentFlags().StringVar(&simulatorIDN, "idn", defaultSimulatorIDN, "Identification reply to *IDN?")
	SimulateCmd.PersistentFlags().DurationVar(&replyDelay, "reply-delay", defaultReplyDelay, "Delay every reply")
	SimulateCmd.PersistentFlags().DurationVar(&opcDelay, "opc-delay", defaultOPCDelay, "Additional delay of operation complete replies")

	RootCmd.AddCommand(SimulateCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
		simulatorIDN = defaultSimulatorIDN
		replyDelay = defaultReplyDelay
		opcDelay = defaultOPCDelay
	})
}
