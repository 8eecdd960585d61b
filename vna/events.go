package vna

import (
	"context"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/vnac/metrics"
	"github.com/fornellas/vnac/scpi"
)

// Observer receives Client events. Methods are called synchronously from the client worker, in
// registration order, so they must not block for long. ctx belongs to the worker: Client methods
// called with it run inline.
type Observer interface {
	Connected(ctx context.Context, endpoint Endpoint)
	Disconnected(ctx context.Context)
	Error(ctx context.Context, code ErrorCode, message string)
	DataReceived(ctx context.Context, result scpi.Result)
}

// ObserverFuncs implements Observer with optional functions.
type ObserverFuncs struct {
	ConnectedFn    func(context.Context, Endpoint)
	DisconnectedFn func(context.Context)
	ErrorFn        func(context.Context, ErrorCode, string)
	DataReceivedFn func(context.Context, scpi.Result)
}

func (o ObserverFuncs) Connected(ctx context.Context, endpoint Endpoint) {
	if o.ConnectedFn != nil {
		o.ConnectedFn(ctx, endpoint)
	}
}

func (o ObserverFuncs) Disconnected(ctx context.Context) {
	if o.DisconnectedFn != nil {
		o.DisconnectedFn(ctx)
	}
}

func (o ObserverFuncs) Error(ctx context.Context, code ErrorCode, message string) {
	if o.ErrorFn != nil {
		o.ErrorFn(ctx, code, message)
	}
}

func (o ObserverFuncs) DataReceived(ctx context.Context, result scpi.Result) {
	if o.DataReceivedFn != nil {
		o.DataReceivedFn(ctx, result)
	}
}

// Dispatcher delivers events to observers, and accounts for them in metrics.
type Dispatcher struct {
	observers []Observer
	metrics   *metrics.Metrics
	// Internal hook, called before observers on disconnection.
	onDisconnected func(context.Context)
}

// NewDispatcher creates a Dispatcher; m may be nil.
func NewDispatcher(m *metrics.Metrics, observers ...Observer) *Dispatcher {
	return &Dispatcher{
		observers: observers,
		metrics:   m,
	}
}

// Subscribe adds an observer. Must not be called concurrently with event delivery.
func (d *Dispatcher) Subscribe(observer Observer) {
	d.observers = append(d.observers, observer)
}

func (d *Dispatcher) connected(ctx context.Context, endpoint Endpoint) {
	log.MustLogger(ctx).Info("Connected", "endpoint", endpoint)
	d.metrics.Connected()
	for _, o := range d.observers {
		o.Connected(ctx, endpoint)
	}
}

func (d *Dispatcher) disconnected(ctx context.Context) {
	log.MustLogger(ctx).Info("Disconnected")
	d.metrics.Disconnected()
	if d.onDisconnected != nil {
		d.onDisconnected(ctx)
	}
	for _, o := range d.observers {
		o.Disconnected(ctx)
	}
}

func (d *Dispatcher) error(ctx context.Context, code ErrorCode, message string) {
	log.MustLogger(ctx).Warn("Error", "code", code, "message", message)
	d.metrics.ErrorEvent(code.String())
	for _, o := range d.observers {
		o.Error(ctx, code, message)
	}
}

func (d *Dispatcher) dataReceived(ctx context.Context, result scpi.Result) {
	log.MustLogger(ctx).Debug("Data received", "command", result.Command, "tag", result.Tag, "values", len(result.Values))
	for _, o := range d.observers {
		o.DataReceived(ctx, result)
	}
}
