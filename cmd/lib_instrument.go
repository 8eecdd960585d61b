package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/vnac/metrics"
	"github.com/fornellas/vnac/vna"
)

var address string
var defaultAddress = vna.DefaultEndpoint.String()

var portName string
var defaultPortName = ""

var baudRate int
var defaultBaudRate = 115200

var timeoutNormal time.Duration
var timeoutOPC time.Duration
var pollInterval time.Duration

var bulkTimeoutFloor time.Duration
var defaultBulkTimeoutFloor = vna.DefaultBulkDataTimeoutFloor

var completionPolicy vna.CompletionPolicy

var metricsAddress string
var defaultMetricsAddress = ""

// AddInstrumentFlags adds flags to reach the instrument and tune the client.
func AddInstrumentFlags(cmd *cobra.Command) {
	defaultTimeouts := vna.DefaultTimeouts()
	defaultCompletionPolicy := vna.DefaultCompletionPolicy()

	cmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "Instrument SCPI TCP address (host:port)")
	cmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open instead of TCP; --address still identifies the instrument")
	cmd.PersistentFlags().IntVar(&baudRate, "baud-rate", defaultBaudRate, "Serial port baud rate")

	cmd.PersistentFlags().DurationVar(&timeoutNormal, "timeout-normal", defaultTimeouts.Normal, "Reply timeout of each query")
	cmd.PersistentFlags().DurationVar(&timeoutOPC, "timeout-opc", defaultTimeouts.OPC, "Operation complete (*OPC?) timeout")
	cmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", defaultTimeouts.Poll, "Trace data polling interval")
	cmd.PersistentFlags().DurationVar(&bulkTimeoutFloor, "bulk-timeout-floor", defaultBulkTimeoutFloor, "Minimum reply timeout of trace data queries")

	cmd.PersistentFlags().BoolVar(&completionPolicy.StartScan, "opc-start-scan", defaultCompletionPolicy.StartScan, "Wait for operation complete after starting a scan")
	cmd.PersistentFlags().BoolVar(&completionPolicy.StopScan, "opc-stop-scan", defaultCompletionPolicy.StopScan, "Wait for operation complete after stopping a scan")
	cmd.PersistentFlags().BoolVar(&completionPolicy.StartPowerMeasurement, "opc-start-power", defaultCompletionPolicy.StartPowerMeasurement, "Wait for operation complete after starting a power measurement")
	cmd.PersistentFlags().BoolVar(&completionPolicy.StopPowerMeasurement, "opc-stop-power", defaultCompletionPolicy.StopPowerMeasurement, "Wait for operation complete after stopping a power measurement")
	cmd.PersistentFlags().BoolVar(&completionPolicy.ConfigureTraces, "opc-configure-traces", defaultCompletionPolicy.ConfigureTraces, "Wait for operation complete after configuring traces")
	cmd.PersistentFlags().BoolVar(&completionPolicy.SendCommand, "opc-send-command", defaultCompletionPolicy.SendCommand, "Wait for operation complete after sending commands")

	cmd.PersistentFlags().StringVar(&metricsAddress, "metrics-address", defaultMetricsAddress, "Serve Prometheus metrics at this address (host:port); disabled when empty")
}

func GetEndpoint() (vna.Endpoint, error) {
	return vna.ParseEndpoint(address)
}

func GetOpenPortFn() vna.OpenPortFn {
	if portName == "" {
		return vna.DialPort
	}
	name := portName
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func(ctx context.Context, endpoint vna.Endpoint, timeout time.Duration) (serial.Port, error) {
		log.MustLogger(ctx).Debug("Opening serial port", "port-name", name, "baud-rate", mode.BaudRate)
		port, err := serial.Open(name, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open: %s: %w", name, err)
		}
		return port, nil
	}
}

func GetTimeouts() vna.Timeouts {
	return vna.Timeouts{
		Normal: timeoutNormal,
		OPC:    timeoutOPC,
		Poll:   pollInterval,
	}
}

// NewClient creates a client configured from flags. It is not started.
func NewClient(m *metrics.Metrics, observers ...vna.Observer) (*vna.Client, error) {
	policy := completionPolicy
	return vna.NewClient(vna.Options{
		OpenPortFn:           GetOpenPortFn(),
		Timeouts:             GetTimeouts(),
		BulkDataTimeoutFloor: bulkTimeoutFloor,
		CompletionPolicy:     &policy,
		Metrics:              m,
		Observers:            observers,
	})
}

// WithClient starts a client configured from flags, calls fn with it then closes it. The client
// outlives ctx cancellation, so fn can still reach the instrument after an interrupt.
func WithClient(
	ctx context.Context,
	m *metrics.Metrics,
	observers []vna.Observer,
	fn func(ctx context.Context, client *vna.Client) error,
) (err error) {
	client, err := NewClient(m, observers...)
	if err != nil {
		return err
	}
	clientCtx := context.WithoutCancel(ctx)
	if err := client.Start(clientCtx); err != nil {
		return errors.Join(err, client.Close(clientCtx))
	}
	defer func() { err = errors.Join(err, client.Close(clientCtx)) }()
	return fn(ctx, client)
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		defaultTimeouts := vna.DefaultTimeouts()
		address = defaultAddress
		portName = defaultPortName
		baudRate = defaultBaudRate
		timeoutNormal = defaultTimeouts.Normal
		timeoutOPC = defaultTimeouts.OPC
		pollInterval = defaultTimeouts.Poll
		bulkTimeoutFloor = defaultBulkTimeoutFloor
		completionPolicy = vna.DefaultCompletionPolicy()
		metricsAddress = defaultMetricsAddress
	})
}
