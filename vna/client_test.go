package vna

import (
	"context"
	"fmt"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/vnasim"
	"github.com/fornellas/vnac/worker"
)

func tickWire(traces ...int) []string {
	wire := []string{
		"TRIGger:SEQuence:SINGle",
		"*OPC?",
		fmt.Sprintf("CALC:TRAC%d:DATA:XAXIS?", traces[0]),
	}
	for _, trace := range traces {
		wire = append(wire,
			fmt.Sprintf("CALC1:PAR%d:SEL", trace),
			fmt.Sprintf("CALC:TRAC%d:DATA:FDAT?", trace),
		)
	}
	return wire
}

func closedEndpoint(t *testing.T) Endpoint {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint, err := ParseEndpoint(listener.Addr().String())
	require.NoError(t, err)
	require.NoError(t, listener.Close())
	return endpoint
}

func TestStartScanExampleScenario(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))

	status := env.status(t)
	require.Equal(t, StateScanning, status.State)
	require.True(t, status.Connected)
	require.True(t, status.Polling)
	require.Equal(t, env.endpoint, status.Endpoint)
	require.Equal(t, exampleScanWire, env.instrument.Received())
	require.Len(t, env.recorder.ofKind(eventConnected), 1)
	require.Empty(t, env.recorder.ofKind(eventError))
	require.Empty(t, env.recorder.ofKind(eventData))
}

func TestStartScanOptionalSettings(t *testing.T) {
	env := newTestEnv(t, Options{})

	scan := exampleScan()
	powerDBm := -10.0
	fixedKHz := int64(1000)
	scan.SourcePowerDBm = &powerDBm
	scan.FixedFrequencyKHz = &fixedKHz
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	// Arguments are copied when queued.
	powerDBm = 0
	env.status(t)

	require.Equal(t, []string{
		"SYST:PRESet",
		"SOURce1:POWer:LEVel:IMMediate:AMPLitude -10",
		"SENS:FREQ:STAR 20000",
		"SENS:FREQ:STOP 4800000000",
		"SENS:FREQ:CW 1000000",
		"SENS:SWE:POIN 201",
		"SENS:BAND 10000",
		"TRIGger:SEQuence:SOURce BUS",
		"INITiate1:CONTinuous ON",
		"*OPC?",
	}, env.instrument.Received())
	require.Equal(t, -10.0, env.instrument.Settings().SourcePower[1])
}

func TestStopWhenIdleSendsNothing(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StopScan(env.ctx))
	require.NoError(t, env.client.StopPowerMeasurement(env.ctx))

	status := env.status(t)
	require.Equal(t, StateIdle, status.State)
	require.False(t, status.Connected)
	require.Empty(t, env.instrument.Received())
	require.Empty(t, env.recorder.all())
}

func TestStopScan(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	env.status(t)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.StopScan(env.ctx))
	status := env.status(t)
	require.Equal(t, StateIdle, status.State)
	require.False(t, status.Polling)
	require.True(t, status.Connected)
	require.Eventually(t, func() bool {
		return slices.Equal(stopWire, env.instrument.Received())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartScanWhileScanningArmsPollOnce(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Poll = 30 * time.Millisecond
	env := newTestEnv(t, Options{Timeouts: timeouts})

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	require.True(t, env.status(t).Polling)

	require.NoError(t, env.client.StopScan(env.ctx))
	status := env.status(t)
	require.Equal(t, StateIdle, status.State)
	require.False(t, status.Polling)

	require.Eventually(t, func() bool {
		received := env.instrument.Received()
		return len(received) >= 2 && slices.Equal(stopWire, received[len(received)-2:])
	}, 2*time.Second, 10*time.Millisecond)
	env.instrument.ResetReceived()
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, env.instrument.Received())
}

func TestPoll(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Poll = 50 * time.Millisecond
	env := newTestEnv(t, Options{Timeouts: timeouts})

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{2, 1, 2}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	require.Equal(t, []int{1, 2}, env.status(t).ActiveTraces)

	require.Eventually(t, func() bool {
		return len(env.recorder.ofKind(eventData)) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.client.StopScan(env.ctx))
	env.status(t)

	data := env.recorder.ofKind(eventData)

	xAxis := data[0].result
	require.Equal(t, scpi.KindTraceDataXAxis, xAxis.Command.Kind())
	require.Equal(t, 1, xAxis.Tag)
	require.InDeltaSlice(t, []float64{20, 2400010, 4800000}, xAxis.Values, 1e-6)

	for i, trace := range []int{1, 2} {
		result := data[1+i].result
		require.Equal(t, scpi.KindTraceDataFDAT, result.Command.Kind())
		require.Equal(t, trace, result.Tag)
		require.Equal(t, []float64{
			vnasim.TraceAmplitude(trace, 0),
			vnasim.TraceAmplitude(trace, 1),
			vnasim.TraceAmplitude(trace, 2),
		}, result.Values)
	}

	received := env.instrument.Received()
	startWire := scanWire(scan)
	require.Equal(t, startWire, received[:len(startWire)])
	require.Equal(t, tickWire(1, 2), received[len(startWire):len(startWire)+len(tickWire(1, 2))])
	require.Empty(t, env.recorder.ofKind(eventError))
}

func TestPollTicksNeverOverlap(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Poll = 20 * time.Millisecond
	env := newTestEnv(t, Options{Timeouts: timeouts})

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	env.status(t)
	env.instrument.SetOPCDelay(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		return countLines(env.instrument.Received(), "CALC:TRAC1:DATA:FDAT?") >= 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.client.StopScan(env.ctx))
	env.status(t)
	require.Eventually(t, func() bool {
		received := env.instrument.Received()
		return slices.Equal(stopWire, received[len(received)-2:])
	}, 2*time.Second, 10*time.Millisecond)

	received := env.instrument.Received()
	startWire := scanWire(scan)
	require.Equal(t, startWire, received[:len(startWire)])
	ticks := received[len(startWire) : len(received)-len(stopWire)]
	tick := tickWire(1)
	require.Zero(t, len(ticks)%len(tick), ticks)
	for i := 0; i < len(ticks); i += len(tick) {
		require.Equal(t, tick, ticks[i:i+len(tick)])
	}
}

func TestPollSkipsBusyAndStaleTicks(t *testing.T) {
	env := newTestEnv(t, Options{})

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	env.status(t)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		s := env.client.session
		s.polling = true
		s.tick(ctx, time.Now())
		s.polling = false

		s.lastTickEnd = time.Now()
		s.tick(ctx, s.lastTickEnd.Add(-time.Millisecond))
	}))
	require.Empty(t, env.instrument.Received())

	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		env.client.session.tick(ctx, time.Now())
	}))
	require.Equal(t, tickWire(1), env.instrument.Received())
}

func TestPollWithoutTracesSendsNothing(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	require.Empty(t, env.status(t).ActiveTraces)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		env.client.session.tick(ctx, time.Now())
	}))
	require.Empty(t, env.instrument.Received())
}

func TestDisconnectForcesIdle(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.Poll = 50 * time.Millisecond
	env := newTestEnv(t, Options{Timeouts: timeouts})

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	require.Eventually(t, func() bool {
		return len(env.recorder.ofKind(eventData)) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	env.instrument.DropConnections()

	require.Eventually(t, func() bool {
		status := env.status(t)
		return status.State == StateIdle && !status.Polling && !status.Connected
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, env.recorder.ofKind(eventDisconnected), 1)

	env.instrument.ResetReceived()
	time.Sleep(200 * time.Millisecond)
	require.Empty(t, env.instrument.Received())
}

func TestCommandTimeout(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.instrument.SetUnanswered("*IDN?")

	results, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{
		scpi.Query("*IDN?"),
		scpi.SourcePowerLevelQuery(1),
	})
	require.ErrorIs(t, err, ErrCommandTimeout)
	require.Len(t, results, 1)
	require.Equal(t, scpi.SourcePowerLevelQuery(1), results[0].Command)
	require.Equal(t, 101, results[0].Tag)
	require.Equal(t, []float64{0}, results[0].Values)

	errorEvents := env.recorder.ofKind(eventError)
	require.Len(t, errorEvents, 1)
	require.Equal(t, ErrorCodeCommandTimeout, errorEvents[0].code)
	require.Contains(t, errorEvents[0].message, "*IDN?")
	require.Len(t, env.recorder.ofKind(eventData), 1)

	require.Equal(t, []string{
		"*IDN?",
		"SOURce1:POWer:LEVel:IMMediate:AMPLitude?",
	}, env.instrument.Received())
}

func TestLateReplyIsDiscarded(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.instrument.SetReplyDelay(500 * time.Millisecond)

	_, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{scpi.Query("*IDN?")})
	require.ErrorIs(t, err, ErrCommandTimeout)

	time.Sleep(300 * time.Millisecond)
	env.instrument.SetReplyDelay(0)
	results, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{scpi.SourcePowerLevelQuery(1)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "0", results[0].Raw)
}

func TestExecCancelledWhileRunning(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.instrument.SetReplyDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(env.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := env.client.Exec(ctx, env.endpoint, []scpi.Command{
		scpi.SourcePowerLevelQuery(1),
		scpi.SourcePowerLevelQuery(1),
		scpi.SourcePowerLevelQuery(1),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Runs after the cancelled batch, which still completes on the worker.
	results, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{scpi.SourcePowerLevelQuery(1)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, env.recorder.ofKind(eventData), 4)
}

func TestExecOrderAndNoResultsWithoutReply(t *testing.T) {
	env := newTestEnv(t, Options{})

	batch := []scpi.Command{}
	wire := []string{}
	for _, trace := range []int{7, 3, 9, 1, 5, 2, 8} {
		cmd := scpi.DisplayTraceActivate(1, trace)
		batch = append(batch, cmd)
		wire = append(wire, cmd.String())
	}
	batch = append(batch, scpi.OperationCompleteQuery())
	wire = append(wire, "*OPC?")

	results, err := env.client.Exec(env.ctx, env.endpoint, batch)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, scpi.KindOperationCompleteQuery, results[0].Command.Kind())
	require.Equal(t, []float64{1}, results[0].Values)
	require.Len(t, env.recorder.ofKind(eventData), 1)
	require.Equal(t, wire, env.instrument.Received())
}

func TestSendCommand(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.SendCommand(env.ctx, env.endpoint, []scpi.Command{
		scpi.Query("*IDN?"),
	}))
	require.Eventually(t, func() bool {
		return len(env.recorder.ofKind(eventData)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, vnasim.DefaultIDN, env.recorder.ofKind(eventData)[0].result.Raw)
	require.Nil(t, env.recorder.ofKind(eventData)[0].result.Values)
}

func TestConnectionFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	endpoint := closedEndpoint(t)

	require.NoError(t, env.client.StartScan(env.ctx, endpoint, exampleScan()))
	status := env.status(t)
	require.Equal(t, StateIdle, status.State)
	require.False(t, status.Connected)
	require.False(t, status.Polling)

	errorEvents := env.recorder.ofKind(eventError)
	require.Len(t, errorEvents, 1)
	require.Equal(t, ErrorCodeConnection, errorEvents[0].code)

	_, err := env.client.Exec(env.ctx, endpoint, []scpi.Command{scpi.Query("*IDN?")})
	require.ErrorIs(t, err, ErrConnection)
}

func TestInvalidEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StartScan(env.ctx, Endpoint{Host: "bad host", Port: 5025}, exampleScan()))
	require.NoError(t, env.client.StartScan(env.ctx, Endpoint{Host: "127.0.0.1"}, exampleScan()))
	status := env.status(t)
	require.Equal(t, StateIdle, status.State)
	require.False(t, status.Connected)

	errorEvents := env.recorder.ofKind(eventError)
	require.Len(t, errorEvents, 2)
	for _, e := range errorEvents {
		require.Equal(t, ErrorCodeInvalidEndpoint, e.code)
	}
	require.Empty(t, env.instrument.Received())

	_, err := env.client.Exec(env.ctx, Endpoint{}, []scpi.Command{scpi.Query("*IDN?")})
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestCompletionTimeoutIsNotFatal(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.OPC = 200 * time.Millisecond
	env := newTestEnv(t, Options{Timeouts: timeouts})
	env.instrument.SetUnanswered("*OPC?")

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	status := env.status(t)
	require.Equal(t, StateScanning, status.State)
	require.Empty(t, env.recorder.ofKind(eventError))
}

func TestPowerMeasurement(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.SetEndpoint(env.ctx, env.endpoint))
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	env.status(t)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.StartPowerMeasurement(env.ctx, PowerParameters{
		StartKHz:    100,
		StopKHz:     200,
		Points:      11,
		BandwidthHz: 1000,
	}))
	status := env.status(t)
	require.Equal(t, StatePowerMeasuring, status.State)
	require.Equal(t, []int{1}, status.ActiveTraces)
	require.True(t, status.Polling)
	require.Equal(t, append(slices.Clone(stopWire),
		"SYST:PRESet",
		"SENS:FREQ:STAR 100000",
		"SENS:FREQ:STOP 200000",
		"SENS:SWE:POIN 11",
		"SENS:BAND 1000",
		"CALC1:PAR:COUN 1",
		"CALC1:PAR1:DEF R11",
		"CALC1:TRAC1:FORM MLOG",
		"CALC1:PAR1:SEL",
		"TRIGger:SEQuence:SOURce BUS",
		"INITiate1:CONTinuous ON",
		"*OPC?",
	), env.instrument.Received())

	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		env.client.session.tick(ctx, time.Now())
	}))
	data := env.recorder.ofKind(eventData)
	require.Len(t, data, 2)
	require.Equal(t, scpi.KindTraceDataXAxis, data[0].result.Command.Kind())
	require.Len(t, data[0].result.Values, 11)
	require.Equal(t, scpi.KindTraceDataPower, data[1].result.Command.Kind())
	require.Equal(t, 1, data[1].result.Tag)
	require.Len(t, data[1].result.Values, 11)

	env.instrument.ResetReceived()
	require.NoError(t, env.client.StopScan(env.ctx))
	require.NoError(t, env.client.StopPowerMeasurement(env.ctx))
	require.Equal(t, StateIdle, env.status(t).State)
	require.Eventually(t, func() bool {
		return slices.Equal(stopWire, env.instrument.Received())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartScanStopsPowerMeasurement(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.SetEndpoint(env.ctx, env.endpoint))
	require.NoError(t, env.client.StartPowerMeasurement(env.ctx, PowerParameters{
		StartKHz:    100,
		StopKHz:     200,
		Points:      11,
		BandwidthHz: 1000,
		Parameter:   "R22",
		Format:      scpi.FormatLinearMagnitude,
	}))
	env.status(t)
	require.Equal(t, "R22", env.instrument.Settings().Parameters[1])
	env.instrument.ResetReceived()

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	require.Equal(t, StateScanning, env.status(t).State)
	require.Equal(t, append(slices.Clone(stopWire), exampleScanWire...), env.instrument.Received())
}

func TestConfigureTraces(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.ConfigureTraces(env.ctx, env.endpoint, TraceSetup{
		SweepType: "LIN",
		Traces: []TraceConfig{
			{Number: 1, Parameter: "S11", Format: scpi.FormatSmith},
			{Number: 2, Parameter: "S21", SourcePort: 1},
		},
	}))
	status := env.status(t)
	require.Equal(t, []int{1, 2}, status.ActiveTraces)
	require.Equal(t, 2, status.TraceCount)
	wire := []string{
		"SENS:SWE:TYPE LIN",
		"CALC1:PAR:COUN 2",
	}
	for trace := 3; trace <= 16; trace++ {
		wire = append(wire, fmt.Sprintf("CALCulate1:PARameter:DEL 'Tr%d'", trace))
	}
	wire = append(wire,
		"CALC1:PAR1:DEF S11",
		"CALC1:PAR1:SEL",
		"CALC1:TRAC1:FORM SMIT",
		"DISP:WIND1:TRAC1:ACT",
		"CALC1:PAR2:DEF S21",
		"CALC1:PAR2:SPOR 1",
		"CALC1:PAR2:SEL",
		"CALC1:TRAC2:FORM MLOG",
		"DISP:WIND1:TRAC2:ACT",
		"*OPC?",
	)
	require.Equal(t, wire, env.instrument.Received())
}

func TestSetGraphSettings(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.SetGraphSettings(env.ctx, 3, []int{3, 1, 3, 2}))
	status := env.status(t)
	require.Equal(t, []int{1, 2, 3}, status.ActiveTraces)
	require.Equal(t, 3, status.TraceCount)

	require.Error(t, env.client.SetGraphSettings(env.ctx, 1, []int{0}))
}

func TestSetTimeouts(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.Error(t, env.client.SetTimeouts(env.ctx, Timeouts{}))

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	env.status(t)
	require.Empty(t, env.recorder.ofKind(eventData))

	timeouts := Timeouts{Normal: time.Second, OPC: 2 * time.Second, Poll: 30 * time.Millisecond}
	require.NoError(t, env.client.SetTimeouts(env.ctx, timeouts))
	require.Equal(t, timeouts, env.status(t).Timeouts)
	require.Eventually(t, func() bool {
		return len(env.recorder.ofKind(eventData)) >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectToNewEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	other, err := vnasim.Start(env.ctx, "127.0.0.1:0", vnasim.Config{IDN: "OTHER"})
	require.NoError(t, err)
	defer func() { require.NoError(t, other.Close()) }()
	otherEndpoint, err := ParseEndpoint(other.Address())
	require.NoError(t, err)

	results, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{scpi.Query("*IDN?")})
	require.NoError(t, err)
	require.Equal(t, vnasim.DefaultIDN, results[0].Raw)

	results, err = env.client.Exec(env.ctx, otherEndpoint, []scpi.Command{scpi.Query("*IDN?")})
	require.NoError(t, err)
	require.Equal(t, "OTHER", results[0].Raw)

	kinds := []eventKind{}
	for _, e := range env.recorder.all() {
		if e.kind != eventData {
			kinds = append(kinds, e.kind)
		}
	}
	require.Equal(t, []eventKind{eventConnected, eventDisconnected, eventConnected}, kinds)
}

func TestObserverCallsRunInline(t *testing.T) {
	var client *Client
	stopped := false
	observer := ObserverFuncs{
		DataReceivedFn: func(ctx context.Context, result scpi.Result) {
			if result.Command.Kind() != scpi.KindTraceDataFDAT || stopped {
				return
			}
			stopped = true
			require.NoError(t, client.StopScan(ctx))
			require.Equal(t, StateIdle, client.session.State())
		},
	}
	env := newTestEnv(t, Options{Observers: []Observer{observer}})
	client = env.client

	scan := exampleScan()
	scan.Points = 3
	scan.Traces = []int{1}
	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, scan))
	env.status(t)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		env.client.session.tick(ctx, time.Now())
		require.True(t, stopped)
		require.Equal(t, StateIdle, env.client.session.State())
		require.False(t, env.client.worker.TickerActive())
	}))
	require.Eventually(t, func() bool {
		return slices.Equal(append(tickWire(1), stopWire...), env.instrument.Received())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCanConnect(t *testing.T) {
	env := newTestEnv(t, Options{})

	host, port := env.instrument.HostPort()
	require.True(t, env.client.CanConnect(env.ctx, host, port))

	closed := closedEndpoint(t)
	require.False(t, env.client.CanConnect(env.ctx, closed.Host, int(closed.Port)))
	require.False(t, env.client.CanConnect(env.ctx, "bad host", port))
	require.False(t, env.client.CanConnect(env.ctx, host, 0))

	require.False(t, env.status(t).Connected)
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	env.status(t)
	env.instrument.ResetReceived()

	require.NoError(t, env.client.Close(env.ctx))
	require.Eventually(t, func() bool {
		return slices.Equal(stopWire, env.instrument.Received())
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, env.recorder.ofKind(eventDisconnected), 1)

	require.ErrorIs(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()), worker.ErrStopped)
	_, err := env.client.Status(env.ctx)
	require.ErrorIs(t, err, worker.ErrStopped)
}

func TestCloseNotStarted(t *testing.T) {
	client, err := NewClient(Options{})
	require.NoError(t, err)
	require.NoError(t, client.Close(testContext(t)))
}

func TestNewClientInvalidTimeouts(t *testing.T) {
	_, err := NewClient(Options{Timeouts: Timeouts{Normal: time.Second}})
	require.Error(t, err)
}

func TestSubscribe(t *testing.T) {
	env := newTestEnv(t, Options{})
	late := &recorder{}
	require.NoError(t, env.client.Subscribe(env.ctx, late))

	_, err := env.client.Exec(env.ctx, env.endpoint, []scpi.Command{scpi.Query("*IDN?")})
	require.NoError(t, err)
	require.Len(t, late.ofKind(eventConnected), 1)
	require.Len(t, late.ofKind(eventData), 1)
	require.Len(t, env.recorder.ofKind(eventData), 1)
}

func TestPowerMeasurementKeepsGraphTraces(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.NoError(t, env.client.SetEndpoint(env.ctx, env.endpoint))
	require.NoError(t, env.client.SetGraphSettings(env.ctx, 2, []int{1, 2}))
	require.NoError(t, env.client.StartPowerMeasurement(env.ctx, PowerParameters{
		StartKHz:    100,
		StopKHz:     200,
		Points:      11,
		BandwidthHz: 1000,
	}))
	require.Equal(t, []int{1}, env.status(t).ActiveTraces)
	require.NoError(t, env.client.StopPowerMeasurement(env.ctx))
	require.Equal(t, []int{1, 2}, env.status(t).ActiveTraces)

	require.NoError(t, env.client.StartScan(env.ctx, env.endpoint, exampleScan()))
	status := env.status(t)
	require.Equal(t, StateScanning, status.State)
	require.Equal(t, 2, status.TraceCount)
	require.Equal(t, []int{1, 2}, status.ActiveTraces)

	env.instrument.ResetReceived()
	require.NoError(t, env.client.worker.Call(env.ctx, "tick", func(ctx context.Context) {
		env.client.session.tick(ctx, time.Now())
	}))
	require.Equal(t, tickWire(1, 2), env.instrument.Received())
}
