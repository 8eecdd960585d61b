package vna

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/vnac/metrics"
	"github.com/fornellas/vnac/scpi"
	"github.com/fornellas/vnac/serialtcp"
	"github.com/fornellas/vnac/worker"
)

// ProbeTimeout bounds CanConnect.
const ProbeTimeout = 3 * time.Second

// StopGrace bounds how long Close waits for the worker to finish.
const StopGrace = 3 * time.Second

const defaultQueueSize = 64

type Options struct {
	// Opens the instrument port, DialPort when nil.
	OpenPortFn OpenPortFn
	// DefaultTimeouts when zero.
	Timeouts Timeouts
	// DefaultBulkDataTimeoutFloor when zero.
	BulkDataTimeoutFloor time.Duration
	// DefaultCompletionPolicy when nil.
	CompletionPolicy *CompletionPolicy
	// DefaultSettleDelay when zero.
	SettleDelay time.Duration
	Metrics     *metrics.Metrics
	Observers   []Observer
}

// Client drives one instrument. All instrument I/O and state happen on a dedicated worker:
// methods called from elsewhere are queued in order and return once queued, while methods called
// from the worker itself (eg: from an Observer) run inline.
type Client struct {
	worker     *worker.Worker
	dispatcher *Dispatcher
	transport  *Transport
	engine     *CommandEngine
	session    *Session
	started    atomic.Bool
}

func NewClient(opts Options) (*Client, error) {
	if opts.OpenPortFn == nil {
		opts.OpenPortFn = DialPort
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	if err := opts.Timeouts.Validate(); err != nil {
		return nil, err
	}
	policy := DefaultCompletionPolicy()
	if opts.CompletionPolicy != nil {
		policy = *opts.CompletionPolicy
	}

	c := &Client{
		worker:     worker.NewWorker("vna", defaultQueueSize),
		dispatcher: NewDispatcher(opts.Metrics, opts.Observers...),
	}
	c.transport = NewTransport(opts.OpenPortFn, c.dispatcher)
	if opts.SettleDelay != 0 {
		c.transport.settleDelay = opts.SettleDelay
	}
	c.engine = NewCommandEngine(c.transport, c.dispatcher, opts.Timeouts)
	if opts.BulkDataTimeoutFloor != 0 {
		c.engine.SetBulkDataTimeoutFloor(opts.BulkDataTimeoutFloor)
	}
	c.session = NewSession(c.worker, c.engine, c.dispatcher, policy)
	return c, nil
}

// Start launches the worker. ctx must carry a logger, and cancelling it terminates the worker.
func (c *Client) Start(ctx context.Context) error {
	if err := c.worker.Start(ctx); err != nil {
		return fmt.Errorf("vna: start: %w", err)
	}
	c.started.Store(true)
	return nil
}

// dispatch runs fn inline when on the worker, returning its error. Otherwise fn is queued and
// its error logged.
func (c *Client) dispatch(ctx context.Context, name string, fn func(context.Context) error) error {
	if worker.On(ctx, c.worker) {
		return fn(ctx)
	}
	return c.worker.Post(ctx, name, func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			log.MustLogger(ctx).Error("Operation failed", "operation", name, "err", err)
		}
	})
}

// call runs fn on the worker and waits for its error.
func (c *Client) call(ctx context.Context, name string, fn func(context.Context) error) error {
	var fnErr error
	if err := c.worker.Call(ctx, name, func(ctx context.Context) {
		fnErr = fn(ctx)
	}); err != nil {
		return err
	}
	return fnErr
}

// Subscribe registers an observer, after the ones given in Options.
func (c *Client) Subscribe(ctx context.Context, observer Observer) error {
	if !c.started.Load() {
		c.dispatcher.Subscribe(observer)
		return nil
	}
	return c.call(ctx, "Subscribe", func(context.Context) error {
		c.dispatcher.Subscribe(observer)
		return nil
	})
}

func (c *Client) StartScan(ctx context.Context, endpoint Endpoint, params ScanParameters) error {
	params = params.Clone()
	return c.dispatch(ctx, "StartScan", func(ctx context.Context) error {
		return c.session.StartScan(ctx, endpoint, params)
	})
}

func (c *Client) StopScan(ctx context.Context) error {
	return c.dispatch(ctx, "StopScan", c.session.StopScan)
}

func (c *Client) StartPowerMeasurement(ctx context.Context, params PowerParameters) error {
	return c.dispatch(ctx, "StartPowerMeasurement", func(ctx context.Context) error {
		return c.session.StartPowerMeasurement(ctx, params)
	})
}

func (c *Client) StopPowerMeasurement(ctx context.Context) error {
	return c.dispatch(ctx, "StopPowerMeasurement", c.session.StopPowerMeasurement)
}

func (c *Client) SetGraphSettings(ctx context.Context, traceCount int, traces []int) error {
	if err := validateTraces(traces); err != nil {
		return err
	}
	traces = slices.Clone(traces)
	return c.dispatch(ctx, "SetGraphSettings", func(context.Context) error {
		return c.session.SetGraphSettings(traceCount, traces)
	})
}

func (c *Client) SendCommand(ctx context.Context, endpoint Endpoint, batch []scpi.Command) error {
	batch = slices.Clone(batch)
	return c.dispatch(ctx, "SendCommand", func(ctx context.Context) error {
		return c.session.SendCommand(ctx, endpoint, batch)
	})
}

func (c *Client) SetTimeouts(ctx context.Context, timeouts Timeouts) error {
	if err := timeouts.Validate(); err != nil {
		return err
	}
	return c.dispatch(ctx, "SetTimeouts", func(ctx context.Context) error {
		return c.session.SetTimeouts(ctx, timeouts)
	})
}

func (c *Client) SetEndpoint(ctx context.Context, endpoint Endpoint) error {
	return c.dispatch(ctx, "SetEndpoint", func(ctx context.Context) error {
		return c.session.SetEndpoint(ctx, endpoint)
	})
}

func (c *Client) ConfigureTraces(ctx context.Context, endpoint Endpoint, setup TraceSetup) error {
	setup = setup.Clone()
	return c.dispatch(ctx, "ConfigureTraces", func(ctx context.Context) error {
		return c.session.ConfigureTraces(ctx, endpoint, setup)
	})
}

// Exec sends batch to endpoint and waits for it, returning the results of its queries in order.
// When some query got no reply, the results of the others are returned along with an error
// wrapping ErrCommandTimeout.
func (c *Client) Exec(ctx context.Context, endpoint Endpoint, batch []scpi.Command) ([]scpi.Result, error) {
	batch = slices.Clone(batch)
	// Handed over once the task is done, as the caller may stop waiting before that.
	resultsCh := make(chan []scpi.Result, 1)
	err := c.call(ctx, "Exec", func(ctx context.Context) error {
		results := []scpi.Result{}
		defer func() { resultsCh <- results }()
		if err := c.session.validateEndpoint(ctx, endpoint); err != nil {
			return err
		}
		collect := func(result scpi.Result) {
			results = append(results, result)
		}
		if err := c.engine.execute(ctx, endpoint, batch, collect); err != nil {
			return err
		}
		if c.session.policy.SendCommand {
			return c.engine.waitOperationCompleteBestEffort(ctx)
		}
		return nil
	})
	var results []scpi.Result
	select {
	case results = <-resultsCh:
	default:
	}
	if err != nil {
		return results, err
	}
	queries := 0
	for _, cmd := range batch {
		if cmd.ExpectsReply() {
			queries++
		}
	}
	if len(results) < queries {
		return results, fmt.Errorf("vna: %d of %d queries unanswered: %w", queries-len(results), queries, ErrCommandTimeout)
	}
	return results, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.call(ctx, "Status", func(context.Context) error {
		status = c.session.Status()
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

// CanConnect tells whether host and port accept connections, using a throwaway connection.
func (c *Client) CanConnect(ctx context.Context, host string, port int) bool {
	endpoint, err := NewEndpoint(host, port)
	if err != nil {
		log.MustLogger(ctx).Debug("Invalid endpoint", "err", err)
		return false
	}
	if err := serialtcp.Probe(ctx, endpoint.Address(), ProbeTimeout); err != nil {
		log.MustLogger(ctx).Debug("Probe failed", "err", err)
		return false
	}
	return true
}

// Close stops any acquisition, closes the connection and stops the worker. It must not be called
// from the worker.
func (c *Client) Close(ctx context.Context) error {
	if worker.On(ctx, c.worker) {
		return errors.New("vna: close: called from worker")
	}
	if !c.started.Load() {
		return c.worker.Stop(StopGrace)
	}
	var errs []error
	if err := c.call(ctx, "StopScan", c.session.StopScan); err != nil {
		errs = append(errs, err)
	}
	if err := c.call(ctx, "StopPowerMeasurement", c.session.StopPowerMeasurement); err != nil {
		errs = append(errs, err)
	}
	if err := c.call(ctx, "Disconnect", c.transport.Disconnect); err != nil {
		errs = append(errs, err)
	}
	if err := c.worker.Stop(StopGrace); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
