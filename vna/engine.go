package vna

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/vnac/scpi"
)

// CompletionPolicy selects which operations wait for operation complete after sending their
// batch.
type CompletionPolicy struct {
	StartScan             bool
	StopScan              bool
	StartPowerMeasurement bool
	StopPowerMeasurement  bool
	ConfigureTraces       bool
	SendCommand           bool
}

// DefaultCompletionPolicy waits after configuration batches, but not after stops nor arbitrary
// commands.
func DefaultCompletionPolicy() CompletionPolicy {
	return CompletionPolicy{
		StartScan:             true,
		StartPowerMeasurement: true,
		ConfigureTraces:       true,
	}
}

// CommandEngine executes command batches over the Transport. It must only be used from the
// client worker.
type CommandEngine struct {
	transport            *Transport
	dispatcher           *Dispatcher
	timeouts             Timeouts
	bulkDataTimeoutFloor time.Duration
}

func NewCommandEngine(transport *Transport, dispatcher *Dispatcher, timeouts Timeouts) *CommandEngine {
	return &CommandEngine{
		transport:            transport,
		dispatcher:           dispatcher,
		timeouts:             timeouts,
		bulkDataTimeoutFloor: DefaultBulkDataTimeoutFloor,
	}
}

func (e *CommandEngine) Timeouts() Timeouts {
	return e.timeouts
}

// SetTimeouts applies from the next command or completion wait on.
func (e *CommandEngine) SetTimeouts(timeouts Timeouts) {
	e.timeouts = timeouts
}

func (e *CommandEngine) SetBulkDataTimeoutFloor(floor time.Duration) {
	e.bulkDataTimeoutFloor = floor
}

func (e *CommandEngine) timeoutFor(cmd scpi.Command) time.Duration {
	if cmd.IsBulkDataQuery() {
		return max(e.timeouts.Normal, e.bulkDataTimeoutFloor)
	}
	return e.timeouts.Normal
}

func (e *CommandEngine) connect(ctx context.Context, endpoint Endpoint) error {
	if err := e.transport.Connect(ctx, endpoint, e.timeouts.Normal); err != nil {
		e.dispatcher.error(ctx, ErrorCodeConnection, err.Error())
		return err
	}
	return nil
}

// executeCommand sends cmd and, when it expects one, waits for its reply. The parsed reply is
// delivered to observers and to collect, when not nil.
func (e *CommandEngine) executeCommand(ctx context.Context, cmd scpi.Command, collect func(scpi.Result)) error {
	ctx, logger := log.MustWithAttrs(ctx, "command", cmd.String())
	kind := cmd.Kind().String()

	if cmd.ExpectsReply() {
		if err := e.transport.DiscardInput(ctx); err != nil {
			return err
		}
	}
	if err := e.transport.Write(ctx, []byte(cmd.WireText())); err != nil {
		return err
	}
	e.dispatcher.metrics.CommandSent(kind)
	if !cmd.ExpectsReply() {
		return nil
	}

	timeout := e.timeoutFor(cmd)
	sentAt := time.Now()
	reply, err := e.transport.ReadWithTimeout(ctx, timeout)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		e.dispatcher.metrics.CommandTimeout(kind)
		e.dispatcher.error(ctx, ErrorCodeCommandTimeout, fmt.Sprintf("no reply to %s within %s", cmd, timeout))
		return fmt.Errorf("vna: %s: %w", cmd, ErrCommandTimeout)
	}
	e.dispatcher.metrics.ReplyReceived(kind, time.Since(sentAt))

	result, err := scpi.Parse(cmd, string(reply))
	if err != nil {
		logger.Warn("Bad reply", "err", err)
		e.dispatcher.metrics.ParseError(kind)
	}
	e.dispatcher.dataReceived(ctx, result)
	if collect != nil {
		collect(result)
	}
	return nil
}

func (e *CommandEngine) execute(ctx context.Context, endpoint Endpoint, batch []scpi.Command, collect func(scpi.Result)) error {
	if err := e.connect(ctx, endpoint); err != nil {
		return err
	}
	for i, cmd := range batch {
		if err := e.executeCommand(ctx, cmd, collect); err != nil {
			if errors.Is(err, ErrCommandTimeout) {
				continue
			}
			return fmt.Errorf("vna: batch aborted at command %d of %d: %w", i+1, len(batch), err)
		}
	}
	return nil
}

// Execute connects to endpoint and sends batch in order. A query without a reply within its
// timeout is dropped with an error event, and the batch continues. Connection failures discard
// the rest of the batch.
func (e *CommandEngine) Execute(ctx context.Context, endpoint Endpoint, batch []scpi.Command) error {
	return e.execute(ctx, endpoint, batch, nil)
}

// WaitOperationComplete sends *OPC? and waits up to timeout for its "1" reply.
func (e *CommandEngine) WaitOperationComplete(ctx context.Context, timeout time.Duration) error {
	if err := e.transport.DiscardInput(ctx); err != nil {
		return err
	}
	cmd := scpi.OperationCompleteQuery()
	if err := e.transport.Write(ctx, []byte(cmd.WireText())); err != nil {
		return err
	}
	e.dispatcher.metrics.CommandSent(cmd.Kind().String())
	reply, err := e.transport.ReadWithTimeout(ctx, timeout)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		e.dispatcher.metrics.CompletionTimeout()
		return fmt.Errorf("vna: no reply within %s: %w", timeout, ErrCompletionTimeout)
	}
	if strings.TrimSpace(string(reply)) != "1" {
		e.dispatcher.metrics.CompletionTimeout()
		return fmt.Errorf("vna: unexpected reply %#v: %w", string(reply), ErrCompletionTimeout)
	}
	return nil
}

func (e *CommandEngine) waitOperationCompleteBestEffort(ctx context.Context) error {
	err := e.WaitOperationComplete(ctx, e.timeouts.OPC)
	if errors.Is(err, ErrCompletionTimeout) {
		log.MustLogger(ctx).Warn("Operation complete not acknowledged, proceeding", "err", err)
		return nil
	}
	return err
}

// ExecuteWithCompletionWait executes batch then waits for operation complete. Completion
// timeouts are logged, not returned.
func (e *CommandEngine) ExecuteWithCompletionWait(ctx context.Context, endpoint Endpoint, batch []scpi.Command) error {
	if err := e.Execute(ctx, endpoint, batch); err != nil {
		return err
	}
	return e.waitOperationCompleteBestEffort(ctx)
}

func (e *CommandEngine) send(ctx context.Context, endpoint Endpoint, batch []scpi.Command, waitCompletion bool) error {
	if waitCompletion {
		return e.ExecuteWithCompletionWait(ctx, endpoint, batch)
	}
	return e.Execute(ctx, endpoint, batch)
}
