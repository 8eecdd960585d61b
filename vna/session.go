package vna

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/vnac/metrics"
	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/worker"
)

// State of the acquisition session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StatePowerMeasuring
)

var stateStringsMap = map[State]string{
	StateIdle:           "Idle",
	StateScanning:       "Scanning",
	StatePowerMeasuring: "PowerMeasuring",
}

func (s State) String() string {
	str, ok := stateStringsMap[s]
	if !ok {
		return fmt.Sprintf("Unknown (%d)", int(s))
	}
	return str
}

const measurementChannel = 1

// ScanParameters configures a frequency sweep.
type ScanParameters struct {
	StartKHz    int64
	StopKHz     int64
	Points      int
	BandwidthHz int64
	// Source power, left unchanged when nil.
	SourcePowerDBm *float64
	// CW frequency, left unchanged when nil.
	FixedFrequencyKHz *int64
	// Traces to poll. When empty, traces from graph settings are kept.
	Traces []int
}

func validateSweep(startKHz, stopKHz int64, points int, bandwidthHz int64) error {
	if startKHz < 0 {
		return fmt.Errorf("vna: negative start frequency: %d kHz", startKHz)
	}
	if stopKHz < startKHz {
		return fmt.Errorf("vna: stop frequency %d kHz below start frequency %d kHz", stopKHz, startKHz)
	}
	if points < 1 {
		return fmt.Errorf("vna: sweep points must be positive: %d", points)
	}
	if bandwidthHz <= 0 {
		return fmt.Errorf("vna: bandwidth must be positive: %d Hz", bandwidthHz)
	}
	return nil
}

func validateTraces(traces []int) error {
	for _, trace := range traces {
		if trace < 1 {
			return fmt.Errorf("vna: invalid trace number: %d", trace)
		}
	}
	return nil
}

func (p ScanParameters) Validate() error {
	if err := validateSweep(p.StartKHz, p.StopKHz, p.Points, p.BandwidthHz); err != nil {
		return err
	}
	if p.FixedFrequencyKHz != nil && *p.FixedFrequencyKHz < 0 {
		return fmt.Errorf("vna: negative fixed frequency: %d kHz", *p.FixedFrequencyKHz)
	}
	return validateTraces(p.Traces)
}

// Clone returns a deep copy.
func (p ScanParameters) Clone() ScanParameters {
	if p.SourcePowerDBm != nil {
		v := *p.SourcePowerDBm
		p.SourcePowerDBm = &v
	}
	if p.FixedFrequencyKHz != nil {
		v := *p.FixedFrequencyKHz
		p.FixedFrequencyKHz = &v
	}
	p.Traces = slices.Clone(p.Traces)
	return p
}

// Batch returns the commands that configure the instrument and arm a bus triggered sweep.
func (p ScanParameters) Batch() []scpi.Command {
	batch := []scpi.Command{scpi.SystemPreset()}
	if p.SourcePowerDBm != nil {
		batch = append(batch, scpi.SourcePowerLevel(measurementChannel, *p.SourcePowerDBm))
	}
	batch = append(batch,
		scpi.SenseFrequencyStart(p.StartKHz*1000),
		scpi.SenseFrequencyStop(p.StopKHz*1000),
	)
	if p.FixedFrequencyKHz != nil {
		batch = append(batch, scpi.SenseFrequencyFixed(*p.FixedFrequencyKHz*1000))
	}
	return append(batch,
		scpi.SenseSweepPoints(p.Points),
		scpi.SenseBandwidth(p.BandwidthHz),
		scpi.TriggerSourceBus(),
		scpi.InitiateContinuous(measurementChannel, true),
	)
}

// PowerParameters configures a receiver power measurement on trace 1.
type PowerParameters struct {
	StartKHz    int64
	StopKHz     int64
	Points      int
	BandwidthHz int64
	// Measured parameter, "R11" when empty.
	Parameter string
	// Trace format, scpi.FormatLogMagnitude when empty.
	Format scpi.Format
}

const (
	DefaultPowerParameter = "R11"
	powerTrace            = 1
)

func (p PowerParameters) Validate() error {
	return validateSweep(p.StartKHz, p.StopKHz, p.Points, p.BandwidthHz)
}

func (p PowerParameters) Batch() []scpi.Command {
	parameter := p.Parameter
	if parameter == "" {
		parameter = DefaultPowerParameter
	}
	format := p.Format
	if format == "" {
		format = scpi.FormatLogMagnitude
	}
	return []scpi.Command{
		scpi.SystemPreset(),
		scpi.SenseFrequencyStart(p.StartKHz * 1000),
		scpi.SenseFrequencyStop(p.StopKHz * 1000),
		scpi.SenseSweepPoints(p.Points),
		scpi.SenseBandwidth(p.BandwidthHz),
		scpi.ParameterCount(1),
		scpi.ParameterDefine(powerTrace, parameter),
		scpi.TraceFormat(powerTrace, format),
		scpi.TraceSelect(powerTrace),
		scpi.TriggerSourceBus(),
		scpi.InitiateContinuous(measurementChannel, true),
	}
}

func stopBatch() []scpi.Command {
	return []scpi.Command{
		scpi.Abort(),
		scpi.InitiateContinuous(measurementChannel, false),
	}
}

// Session is the acquisition state machine. It must only be used from the client worker.
type Session struct {
	worker       *worker.Worker
	engine       *CommandEngine
	dispatcher   *Dispatcher
	policy       CompletionPolicy
	state        State
	endpoint     Endpoint
	// Traces from graph settings, polled while Scanning.
	graphTraces []int
	traceCount  int
	polling     bool
	lastTickEnd time.Time
}

func NewSession(w *worker.Worker, engine *CommandEngine, dispatcher *Dispatcher, policy CompletionPolicy) *Session {
	s := &Session{
		worker:     w,
		engine:     engine,
		dispatcher: dispatcher,
		policy:     policy,
		endpoint:   DefaultEndpoint,
	}
	dispatcher.onDisconnected = s.disconnected
	return s
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

// polledTraces returns the traces polled in the current state: the power trace while
// PowerMeasuring, the graph traces otherwise.
func (s *Session) polledTraces() []int {
	if s.state == StatePowerMeasuring {
		return []int{powerTrace}
	}
	return s.graphTraces
}

// ActiveTraces returns a copy of the traces polled.
func (s *Session) ActiveTraces() []int {
	return slices.Clone(s.polledTraces())
}

func (s *Session) SetPolicy(policy CompletionPolicy) {
	s.policy = policy
}

// SetEndpoint sets the endpoint used by operations that do not take one.
func (s *Session) SetEndpoint(ctx context.Context, endpoint Endpoint) error {
	if err := s.validateEndpoint(ctx, endpoint); err != nil {
		return err
	}
	s.endpoint = endpoint
	return nil
}

func (s *Session) validateEndpoint(ctx context.Context, endpoint Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		s.dispatcher.error(ctx, ErrorCodeInvalidEndpoint, err.Error())
		return err
	}
	return nil
}

func (s *Session) setState(ctx context.Context, state State) {
	if s.state == state {
		return
	}
	log.MustLogger(ctx).Info("State changed", "from", s.state, "to", state)
	s.state = state
}

func (s *Session) armPoll(ctx context.Context) {
	if s.worker.TickerActive() {
		return
	}
	log.MustLogger(ctx).Debug("Arming poll", "interval", s.engine.Timeouts().Poll)
	s.worker.StartTicker(s.engine.Timeouts().Poll, s.tick)
}

func (s *Session) disarmPoll(ctx context.Context) {
	if !s.worker.TickerActive() {
		return
	}
	log.MustLogger(ctx).Debug("Disarming poll")
	s.worker.StopTicker()
}

func (s *Session) disconnected(ctx context.Context) {
	s.disarmPoll(ctx)
	s.setState(ctx, StateIdle)
}

// start sends batch and, unless the connection failed, enters state.
func (s *Session) start(ctx context.Context, endpoint Endpoint, batch []scpi.Command, waitCompletion bool, state State) error {
	if err := s.engine.send(ctx, endpoint, batch, waitCompletion); err != nil {
		if _, ok := s.engine.transport.Connected(); !ok {
			s.disarmPoll(ctx)
			s.setState(ctx, StateIdle)
		}
		return err
	}
	s.setState(ctx, state)
	s.armPoll(ctx)
	return nil
}

// StartScan configures the sweep and enters Scanning. An active power measurement is stopped
// first. Calling it while Scanning reconfigures the sweep.
func (s *Session) StartScan(ctx context.Context, endpoint Endpoint, params ScanParameters) error {
	if err := s.validateEndpoint(ctx, endpoint); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if s.state == StatePowerMeasuring {
		if err := s.StopPowerMeasurement(ctx); err != nil {
			log.MustLogger(ctx).Warn("Stopping power measurement failed", "err", err)
		}
	}
	s.endpoint = endpoint
	if len(params.Traces) > 0 {
		s.setGraphTraces(params.Traces)
	}
	return s.start(ctx, endpoint, params.Batch(), s.policy.StartScan, StateScanning)
}

func (s *Session) stop(ctx context.Context, waitCompletion bool) error {
	s.disarmPoll(ctx)
	s.setState(ctx, StateIdle)
	return s.engine.send(ctx, s.endpoint, stopBatch(), waitCompletion)
}

// StopScan aborts the sweep. It does nothing unless Scanning.
func (s *Session) StopScan(ctx context.Context) error {
	if s.state != StateScanning {
		return nil
	}
	return s.stop(ctx, s.policy.StopScan)
}

// StartPowerMeasurement configures a power measurement on trace 1 of the current endpoint and
// enters PowerMeasuring. An active scan is stopped first.
func (s *Session) StartPowerMeasurement(ctx context.Context, params PowerParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if s.state == StateScanning {
		if err := s.StopScan(ctx); err != nil {
			log.MustLogger(ctx).Warn("Stopping scan failed", "err", err)
		}
	}
	return s.start(ctx, s.endpoint, params.Batch(), s.policy.StartPowerMeasurement, StatePowerMeasuring)
}

// StopPowerMeasurement aborts the measurement. It does nothing unless PowerMeasuring.
func (s *Session) StopPowerMeasurement(ctx context.Context) error {
	if s.state != StatePowerMeasuring {
		return nil
	}
	return s.stop(ctx, s.policy.StopPowerMeasurement)
}

func (s *Session) setGraphTraces(traces []int) {
	traces = slices.Clone(traces)
	slices.Sort(traces)
	s.graphTraces = slices.Compact(traces)
}

// SetGraphSettings sets the traces polled while Scanning.
func (s *Session) SetGraphSettings(traceCount int, traces []int) error {
	if err := validateTraces(traces); err != nil {
		return err
	}
	s.traceCount = traceCount
	s.setGraphTraces(traces)
	return nil
}

// SetTimeouts applies timeouts to the next command and to the poll ticker, if armed.
func (s *Session) SetTimeouts(ctx context.Context, timeouts Timeouts) error {
	if err := timeouts.Validate(); err != nil {
		return err
	}
	s.engine.SetTimeouts(timeouts)
	if s.worker.TickerActive() {
		log.MustLogger(ctx).Debug("Resetting poll", "interval", timeouts.Poll)
		s.worker.ResetTicker(timeouts.Poll)
	}
	return nil
}

func (s *Session) tick(ctx context.Context, firedAt time.Time) {
	m := s.dispatcher.metrics
	if s.state == StateIdle || len(s.polledTraces()) == 0 {
		m.PollTick(metrics.TickSkippedIdle)
		return
	}
	if s.polling {
		m.PollTick(metrics.TickSkippedBusy)
		return
	}
	if firedAt.Before(s.lastTickEnd) {
		m.PollTick(metrics.TickStale)
		return
	}
	m.PollTick(metrics.TickRun)
	s.polling = true
	defer func() {
		s.polling = false
		s.lastTickEnd = time.Now()
	}()
	if err := s.poll(ctx); err != nil {
		log.MustLogger(ctx).Warn("Poll failed", "err", err)
	}
}

// poll triggers one sweep and reads the frequency axis then every active trace.
func (s *Session) poll(ctx context.Context) error {
	ctx, logger := log.MustWithGroup(ctx, "poll")
	logger.Debug("Polling", "state", s.state, "traces", s.polledTraces())

	if err := s.engine.Execute(ctx, s.endpoint, []scpi.Command{scpi.TriggerSingle()}); err != nil {
		return err
	}
	if err := s.engine.waitOperationCompleteBestEffort(ctx); err != nil {
		return err
	}
	if s.state == StateIdle {
		return errors.New("vna: session went idle")
	}

	dataFn := scpi.TraceDataFDAT
	if s.state == StatePowerMeasuring {
		dataFn = scpi.TraceDataPower
	}
	traces := s.polledTraces()
	batch := []scpi.Command{scpi.TraceDataXAxis(traces[0])}
	for _, trace := range traces {
		batch = append(batch, scpi.TraceSelect(trace), dataFn(trace))
	}
	return s.engine.Execute(ctx, s.endpoint, batch)
}

// Status is a snapshot of the session.
type Status struct {
	State        State
	Endpoint     Endpoint
	Connected    bool
	ActiveTraces []int
	TraceCount   int
	Timeouts     Timeouts
	Polling      bool
}

func (s *Session) Status() Status {
	_, connected := s.engine.transport.Connected()
	return Status{
		State:        s.state,
		Endpoint:     s.endpoint,
		Connected:    connected,
		ActiveTraces: s.ActiveTraces(),
		TraceCount:   s.traceCount,
		Timeouts:     s.engine.Timeouts(),
		Polling:      s.worker.TickerActive(),
	}
}

// SendCommand sends batch to endpoint, waiting for operation complete as the policy says.
func (s *Session) SendCommand(ctx context.Context, endpoint Endpoint, batch []scpi.Command) error {
	if err := s.validateEndpoint(ctx, endpoint); err != nil {
		return err
	}
	return s.engine.send(ctx, endpoint, batch, s.policy.SendCommand)
}

// TraceConfig defines one measurement trace.
type TraceConfig struct {
	Number int
	// Measured parameter, such as "S21".
	Parameter string
	// Source port, left unchanged when zero.
	SourcePort int
	Format     scpi.Format
}

// TraceSetup defines the traces displayed and polled.
type TraceSetup struct {
	// Sweep type, such as "LIN" or "LOG", left unchanged when empty.
	SweepType string
	Traces    []TraceConfig
}

func (t TraceSetup) Validate() error {
	if len(t.Traces) == 0 {
		return errors.New("vna: no traces defined")
	}
	seen := map[int]bool{}
	for _, trace := range t.Traces {
		if trace.Number < 1 {
			return fmt.Errorf("vna: invalid trace number: %d", trace.Number)
		}
		if seen[trace.Number] {
			return fmt.Errorf("vna: trace %d defined twice", trace.Number)
		}
		seen[trace.Number] = true
		if trace.Parameter == "" {
			return fmt.Errorf("vna: trace %d: missing parameter", trace.Number)
		}
		if trace.SourcePort < 0 {
			return fmt.Errorf("vna: trace %d: invalid source port: %d", trace.Number, trace.SourcePort)
		}
	}
	return nil
}

func (t TraceSetup) Clone() TraceSetup {
	t.Traces = slices.Clone(t.Traces)
	return t
}

func (t TraceSetup) TraceNumbers() []int {
	numbers := make([]int, 0, len(t.Traces))
	for _, trace := range t.Traces {
		numbers = append(numbers, trace.Number)
	}
	return numbers
}

const maxTraces = 16

// Batch defines the traces of t, after deleting any other trace up to maxTraces.
func (t TraceSetup) Batch() []scpi.Command {
	batch := []scpi.Command{}
	if t.SweepType != "" {
		batch = append(batch, scpi.SenseSweepType(t.SweepType))
	}
	batch = append(batch, scpi.ParameterCount(len(t.Traces)))
	numbers := t.TraceNumbers()
	for number := 1; number <= maxTraces; number++ {
		if !slices.Contains(numbers, number) {
			batch = append(batch, scpi.ParameterDelete(number))
		}
	}
	for _, trace := range t.Traces {
		format := trace.Format
		if format == "" {
			format = scpi.FormatLogMagnitude
		}
		batch = append(batch, scpi.ParameterDefine(trace.Number, trace.Parameter))
		if trace.SourcePort > 0 {
			batch = append(batch, scpi.ParameterSourcePort(trace.Number, trace.SourcePort))
		}
		batch = append(batch,
			scpi.TraceSelect(trace.Number),
			scpi.TraceFormat(trace.Number, format),
			scpi.DisplayTraceActivate(1, trace.Number),
		)
	}
	return batch
}

// ConfigureTraces defines the measurement traces on the instrument and polls them from then on.
func (s *Session) ConfigureTraces(ctx context.Context, endpoint Endpoint, setup TraceSetup) error {
	if err := s.validateEndpoint(ctx, endpoint); err != nil {
		return err
	}
	if err := setup.Validate(); err != nil {
		return err
	}
	if err := s.SetGraphSettings(len(setup.Traces), setup.TraceNumbers()); err != nil {
		return err
	}
	return s.engine.send(ctx, endpoint, setup.Batch(), s.policy.ConfigureTraces)
}
