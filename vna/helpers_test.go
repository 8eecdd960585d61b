package vna

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vnasim"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
}

type eventKind string

const (
	eventConnected    eventKind = "connected"
	eventDisconnected eventKind = "disconnected"
	eventError        eventKind = "error"
	eventData         eventKind = "data"
)

type event struct {
	kind    eventKind
	code    ErrorCode
	message string
	result  scpi.Result
}

// recorder is an Observer keeping every event.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Connected(context.Context, Endpoint) { r.add(event{kind: eventConnected}) }

func (r *recorder) Disconnected(context.Context) { r.add(event{kind: eventDisconnected}) }

func (r *recorder) Error(_ context.Context, code ErrorCode, message string) {
	r.add(event{kind: eventError, code: code, message: message})
}

func (r *recorder) DataReceived(_ context.Context, result scpi.Result) {
	r.add(event{kind: eventData, result: result})
}

func (r *recorder) all() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) ofKind(kind eventKind) []event {
	events := []event{}
	for _, e := range r.all() {
		if e.kind == kind {
			events = append(events, e)
		}
	}
	return events
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// testTimeouts never polls unless a test changes it.
func testTimeouts() Timeouts {
	return Timeouts{
		Normal: 300 * time.Millisecond,
		OPC:    time.Second,
		Poll:   time.Hour,
	}
}

type testEnv struct {
	ctx        context.Context
	instrument *vnasim.Instrument
	endpoint   Endpoint
	client     *Client
	recorder   *recorder
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	ctx := testContext(t)
	instrument, err := vnasim.Start(ctx, "127.0.0.1:0", vnasim.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, instrument.Close()) })

	endpoint, err := ParseEndpoint(instrument.Address())
	require.NoError(t, err)

	recorder := &recorder{}
	opts.Observers = append(opts.Observers, recorder)
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = testTimeouts()
	}
	if opts.BulkDataTimeoutFloor == 0 {
		opts.BulkDataTimeoutFloor = opts.Timeouts.Normal
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))
	t.Cleanup(func() { client.Close(context.WithoutCancel(ctx)) })

	return &testEnv{
		ctx:        ctx,
		instrument: instrument,
		endpoint:   endpoint,
		client:     client,
		recorder:   recorder,
	}
}

// status waits for previously queued operations, as it is queued after them.
func (e *testEnv) status(t *testing.T) Status {
	status, err := e.client.Status(e.ctx)
	require.NoError(t, err)
	return status
}

func exampleScan() ScanParameters {
	return ScanParameters{
		StartKHz:    20,
		StopKHz:     4800000,
		Points:      201,
		BandwidthHz: 10000,
	}
}

var exampleScanWire = []string{
	"SYST:PRESet",
	"SENS:FREQ:STAR 20000",
	"SENS:FREQ:STOP 4800000000",
	"SENS:SWE:POIN 201",
	"SENS:BAND 10000",
	"TRIGger:SEQuence:SOURce BUS",
	"INITiate1:CONTinuous ON",
	"*OPC?",
}

// scanWire is exampleScanWire with the sweep points of scan.
func scanWire(scan ScanParameters) []string {
	wire := slices.Clone(exampleScanWire)
	wire[slices.Index(wire, "SENS:SWE:POIN 201")] = fmt.Sprintf("SENS:SWE:POIN %d", scan.Points)
	return wire
}

var stopWire = []string{
	":ABOR",
	"INITiate1:CONTinuous OFF",
}

func countLines(lines []string, line string) int {
	count := 0
	for _, l := range lines {
		if l == line {
			count++
		}
	}
	return count
}
