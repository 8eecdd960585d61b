// Package vnasim simulates a vector network analyzer answering a subset of SCPI over TCP.
package vnasim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"

	iFmt "github.com/fornellas/vnac/internal/fmt"
)

const DefaultIDN = "VNAC,Simulated VNA,0,1.0"

type Config struct {
	// *IDN? reply, DefaultIDN when empty.
	IDN string
	// Delays every reply.
	ReplyDelay time.Duration
	// Delays *OPC? replies, on top of ReplyDelay.
	OPCDelay time.Duration
}

type sweep struct {
	startHz     float64
	stopHz      float64
	points      int
	bandwidthHz float64
	sourcePower map[int]float64
	continuous  bool
	parameters  map[int]string
}

func defaultSweep() sweep {
	return sweep{
		startHz:     100e3,
		stopHz:      8.5e9,
		points:      201,
		bandwidthHz: 10e3,
		sourcePower: map[int]float64{},
		parameters:  map[int]string{1: "S11"},
	}
}

// Instrument is a simulated instrument. All connections share its state.
type Instrument struct {
	mu         sync.Mutex
	config     Config
	listener   net.Listener
	conns      map[net.Conn]struct{}
	received   []string
	unanswered []string
	sweep      sweep
	wg         sync.WaitGroup
}

func NewInstrument(config Config) *Instrument {
	if config.IDN == "" {
		config.IDN = DefaultIDN
	}
	return &Instrument{
		config: config,
		conns:  map[net.Conn]struct{}{},
		sweep:  defaultSweep(),
	}
}

// Listen opens the listener at address ("127.0.0.1:0" picks a free port).
func (i *Instrument) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("vnasim: failed to listen: %s: %w", address, err)
	}
	i.mu.Lock()
	i.listener = listener
	i.mu.Unlock()
	return nil
}

// Address returns the listening address.
func (i *Instrument) Address() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.listener.Addr().String()
}

// Host and port of the listening address.
func (i *Instrument) HostPort() (string, int) {
	addr := i.Address()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(fmt.Sprintf("bug: bad listener address: %s", addr))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(fmt.Sprintf("bug: bad listener port: %s", addr))
	}
	return host, port
}

// Start listens at address and serves in the background until ctx is done or Close is called.
func Start(ctx context.Context, address string, config Config) (*Instrument, error) {
	instrument := NewInstrument(config)
	if err := instrument.Listen(address); err != nil {
		return nil, err
	}
	go func() {
		if err := instrument.Serve(ctx); err != nil {
			log.MustLogger(ctx).Error("Serve failed", "err", err)
		}
	}()
	return instrument, nil
}

// Serve accepts connections until ctx is done or Close is called. Listen must be called first.
func (i *Instrument) Serve(ctx context.Context) error {
	logger := log.MustLogger(ctx)
	i.mu.Lock()
	listener := i.listener
	i.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		if err := i.Close(); err != nil {
			logger.Debug("Close failed", "err", err)
		}
	})
	defer stop()

	logger.Info("Listening", "address", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				i.wg.Wait()
				return nil
			}
			return fmt.Errorf("vnasim: failed to accept connection: %w", err)
		}
		connCtx, connLogger := log.MustWithGroupAttrs(
			ctx,
			"Connection",
			"RemoteAddr", conn.RemoteAddr(),
		)
		connLogger.Info("Accepted")

		i.mu.Lock()
		i.conns[conn] = struct{}{}
		i.mu.Unlock()

		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			if err := i.handleConnection(connCtx, conn); err != nil {
				connLogger.Debug("Connection ended", "err", err)
			}
			connLogger.Info("Closed")
		}()
	}
}

// Close stops listening and closes all connections.
func (i *Instrument) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var errs []error
	if i.listener != nil {
		if err := i.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for conn := range i.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(i.conns, conn)
	}
	return errors.Join(errs...)
}

// DropConnections closes all open connections, but keeps listening.
func (i *Instrument) DropConnections() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for conn := range i.conns {
		conn.Close()
		delete(i.conns, conn)
	}
}

// Received returns a copy of all lines received, without terminators.
func (i *Instrument) Received() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.received)
}

func (i *Instrument) ResetReceived() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.received = nil
}

// SetUnanswered makes queries starting with any of prefixes (case insensitive) go unanswered.
func (i *Instrument) SetUnanswered(prefixes ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.unanswered = make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		i.unanswered = append(i.unanswered, strings.ToUpper(prefix))
	}
}

func (i *Instrument) SetReplyDelay(delay time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config.ReplyDelay = delay
}

func (i *Instrument) SetOPCDelay(delay time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config.OPCDelay = delay
}

func (i *Instrument) handleConnection(ctx context.Context, conn net.Conn) error {
	logger := log.MustLogger(ctx)
	defer func() {
		i.mu.Lock()
		delete(i.conns, conn)
		i.mu.Unlock()
		conn.Close()
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return fmt.Errorf("vnasim: failed to set TCP no delay: %w", err)
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("Received", "line", line)
		reply, delay, ok := i.process(line)
		if !ok {
			continue
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		logger.Debug("Replying", "reply", reply)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return fmt.Errorf("vnasim: write: %w", err)
		}
	}
	return scanner.Err()
}

type handler struct {
	regexp *regexp.Regexp
	fn     func(i *Instrument, match []string) (string, bool)
}

func parseNumber(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// Patterns match upper cased commands, accepting short and long SCPI forms where used.
var handlers = []handler{
	{regexp.MustCompile(`^\*IDN\?$`), func(i *Instrument, _ []string) (string, bool) {
		return i.config.IDN, true
	}},
	{regexp.MustCompile(`^\*OPC\?$`), func(*Instrument, []string) (string, bool) {
		return "1", true
	}},
	{regexp.MustCompile(`^(\*RST|:?SYST(EM)?:PRES(ET)?)$`), func(i *Instrument, _ []string) (string, bool) {
		i.sweep = defaultSweep()
		return "", false
	}},
	{regexp.MustCompile(`^:?SENS(E)?\d*:FREQ(UENCY)?:STAR(T)? (.+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.startHz = parseNumber(m[4])
		return "", false
	}},
	{regexp.MustCompile(`^:?SENS(E)?\d*:FREQ(UENCY)?:STOP (.+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.stopHz = parseNumber(m[3])
		return "", false
	}},
	{regexp.MustCompile(`^:?SENS(E)?\d*:SWE(EP)?:POIN(TS)? (\d+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.points = atoi(m[4])
		return "", false
	}},
	{regexp.MustCompile(`^:?SENS(E)?\d*:BAND(WIDTH)? (.+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.bandwidthHz = parseNumber(m[3])
		return "", false
	}},
	{regexp.MustCompile(`^:?INIT(IATE)?\d*:CONT(INUOUS)? (ON|OFF|1|0)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.continuous = m[3] == "ON" || m[3] == "1"
		return "", false
	}},
	{regexp.MustCompile(`^:?ABOR(T)?$`), func(i *Instrument, _ []string) (string, bool) {
		i.sweep.continuous = false
		return "", false
	}},
	{regexp.MustCompile(`^:?CALC(ULATE)?1?:PAR(AMETER)?(\d+):DEF(INE)? (\S+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.parameters[atoi(m[3])] = m[5]
		return "", false
	}},
	{regexp.MustCompile(`^:?CALC(ULATE)?1?:PAR(AMETER)?:DEL(ETE)? '?TR(\d+)'?$`), func(i *Instrument, m []string) (string, bool) {
		delete(i.sweep.parameters, atoi(m[4]))
		return "", false
	}},
	{regexp.MustCompile(`^:?SOUR(CE)?(\d*):POW(ER)?(:LEV(EL)?)?(:IMM(EDIATE)?)?(:AMPL(ITUDE)?)? (.+)$`), func(i *Instrument, m []string) (string, bool) {
		i.sweep.sourcePower[max(atoi(m[2]), 1)] = parseNumber(m[10])
		return "", false
	}},
	{regexp.MustCompile(`^:?SOUR(CE)?(\d*):POW(ER)?(:LEV(EL)?)?(:IMM(EDIATE)?)?(:AMPL(ITUDE)?)?\?$`), func(i *Instrument, m []string) (string, bool) {
		return iFmt.SprintFloat(i.sweep.sourcePower[max(atoi(m[2]), 1)], 3), true
	}},
	{regexp.MustCompile(`^:?CALC(ULATE)?\d*:TRAC(E)?(\d+):DATA:XAXIS\?$`), func(i *Instrument, m []string) (string, bool) {
		return i.frequencyAxis(), true
	}},
	{regexp.MustCompile(`^:?CALC(ULATE)?\d*:TRAC(E)?(\d+):DATA:FDAT(A)?\?$`), func(i *Instrument, m []string) (string, bool) {
		return i.traceData(atoi(m[3])), true
	}},
}

// frequencyAxis returns points linearly spaced frequencies in Hz.
func (i *Instrument) frequencyAxis() string {
	values := make([]string, i.sweep.points)
	for n := range i.sweep.points {
		hz := i.sweep.startHz
		if i.sweep.points > 1 {
			hz += (i.sweep.stopHz - i.sweep.startHz) * float64(n) / float64(i.sweep.points-1)
		}
		values[n] = strconv.FormatFloat(hz, 'f', -1, 64)
	}
	return strings.Join(values, ",")
}

// TraceAmplitude is the simulated amplitude of point n of trace.
func TraceAmplitude(trace, n int) float64 {
	return float64(-10*trace) - float64(n)/100
}

// traceData returns amplitude / phase pairs of every point.
func (i *Instrument) traceData(trace int) string {
	values := make([]string, 0, 2*i.sweep.points)
	for n := range i.sweep.points {
		values = append(values, iFmt.SprintFloat(TraceAmplitude(trace, n), 6), "0")
	}
	return strings.Join(values, ",")
}

// process records line and returns its reply and reply delay, if it is answered.
func (i *Instrument) process(line string) (string, time.Duration, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.received = append(i.received, line)

	upper := strings.ToUpper(line)
	for _, prefix := range i.unanswered {
		if strings.HasPrefix(upper, prefix) {
			return "", 0, false
		}
	}
	for _, h := range handlers {
		match := h.regexp.FindStringSubmatch(upper)
		if match == nil {
			continue
		}
		reply, ok := h.fn(i, match)
		if !ok {
			return "", 0, false
		}
		delay := i.config.ReplyDelay
		if upper == "*OPC?" {
			delay += i.config.OPCDelay
		}
		return reply, delay, true
	}
	return "", 0, false
}

// Settings is a snapshot of the simulated instrument configuration.
type Settings struct {
	StartHz     float64
	StopHz      float64
	Points      int
	BandwidthHz float64
	Continuous  bool
	SourcePower map[int]float64
	Parameters  map[int]string
}

func (i *Instrument) Settings() Settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	sourcePower := make(map[int]float64, len(i.sweep.sourcePower))
	for k, v := range i.sweep.sourcePower {
		sourcePower[k] = v
	}
	parameters := make(map[int]string, len(i.sweep.parameters))
	for k, v := range i.sweep.parameters {
		parameters[k] = v
	}
	return Settings{
		StartHz:     i.sweep.startHz,
		StopHz:      i.sweep.stopHz,
		Points:      i.sweep.points,
		BandwidthHz: i.sweep.bandwidthHz,
		Continuous:  i.sweep.continuous,
		SourcePower: sourcePower,
		Parameters:  parameters,
	}
}
