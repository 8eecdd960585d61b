package main

import (
	"context"
	"errors"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/vnac/broker"
	"github.com/fornellas/vnac/metrics"
	"github.com/fornellas/vnac/vna"
	"github.com/fornellas/vnac/worker_manager"
)

var startKHz int64
var defaultStartKHz int64 = 20

var stopKHz int64
var defaultStopKHz int64 = 4800000

var points int
var defaultPoints = 201

var bandwidthHz int64
var defaultBandwidthHz int64 = 10000

var duration time.Duration
var defaultDuration time.Duration = 0

const recordsBufferSize = 256

func AddSweepFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Int64Var(&startKHz, "start-khz", defaultStartKHz, "Sweep start frequency in kHz")
	cmd.PersistentFlags().Int64Var(&stopKHz, "stop-khz", defaultStopKHz, "Sweep stop frequency in kHz")
	cmd.PersistentFlags().IntVar(&points, "points", defaultPoints, "Sweep points")
	cmd.PersistentFlags().Int64Var(&bandwidthHz, "bandwidth-hz", defaultBandwidthHz, "IF bandwidth in Hz")
	cmd.PersistentFlags().DurationVar(&duration, "duration", defaultDuration, "Stop after this long; runs until interrupted when zero")
}

// runAcquisition starts a client, calls start then streams instrument events to the output
// until ctx is done or --duration elapses. The acquisition is stopped when the client is closed.
func runAcquisition(ctx context.Context, start func(ctx context.Context, client *vna.Client) error) (err error) {
	logger := log.MustLogger(ctx)

	m := metrics.NewMetrics()
	records := broker.NewBroker[Record]()
	recordsCh := records.Subscribe("Output", recordsBufferSize)

	w, err := outputValue.WriterCloser()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, w.Close()) }()

	wm := worker_manager.NewWorkerManager()

	wm.AddWorker("Output", func(ctx context.Context) error {
		return writeRecords(ctx, recordsCh, NewRecordWriter(w, outputFormatValue.Format()))
	})

	wm.AddWorker("Instrument", func(ctx context.Context) error {
		defer records.Close()
		observers := []vna.Observer{newEventPublisher(records)}
		return WithClient(ctx, m, observers, func(ctx context.Context, client *vna.Client) error {
			if err := start(ctx, client); err != nil {
				return err
			}
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			logger.Info("Acquiring")
			<-ctx.Done()
			logger.Info("Stopping")
			return nil
		})
	})

	if metricsAddress != "" {
		wm.AddWorker("Metrics", func(ctx context.Context) error {
			return m.Serve(ctx, metricsAddress)
		})
	}

	return wm.Run(ctx)
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		startKHz = defaultStartKHz
		stopKHz = defaultStopKHz
		points = defaultPoints
		bandwidthHz = defaultBandwidthHz
		duration = defaultDuration
	})
}
