package vna

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"

	"github.com/fornellas/vnac/serialtcp"
)

// Port reads poll with this timeout, so context cancellation is honoured while waiting for
// replies.
const pollReadTimeout = 100 * time.Millisecond

const discardReadTimeout = time.Millisecond

// DefaultSettleDelay is waited after connecting, before the first write.
const DefaultSettleDelay = 50 * time.Millisecond

// OpenPortFn opens a port to the instrument at endpoint, waiting at most timeout.
type OpenPortFn func(ctx context.Context, endpoint Endpoint, timeout time.Duration) (serial.Port, error)

// DialPort is the OpenPortFn for SCPI over raw TCP sockets.
func DialPort(ctx context.Context, endpoint Endpoint, timeout time.Duration) (serial.Port, error) {
	return serialtcp.Dial(ctx, endpoint.Address(), timeout)
}

// Transport owns the single line oriented connection to the instrument. It is not safe for
// concurrent use: it must only be used from the client worker.
type Transport struct {
	openPortFn  OpenPortFn
	dispatcher  *Dispatcher
	settleDelay time.Duration
	port        serial.Port
	endpoint    Endpoint
	pending     []byte
	readBuf     []byte
}

func NewTransport(openPortFn OpenPortFn, dispatcher *Dispatcher) *Transport {
	return &Transport{
		openPortFn:  openPortFn,
		dispatcher:  dispatcher,
		settleDelay: DefaultSettleDelay,
		readBuf:     make([]byte, 4096),
	}
}

// Connected returns whether the connection is open, and to which endpoint.
func (t *Transport) Connected() (Endpoint, bool) {
	if t.port == nil {
		return Endpoint{}, false
	}
	return t.endpoint, true
}

// Connect opens the connection to endpoint. It does nothing when already connected to endpoint,
// and closes the connection to any other endpoint first.
func (t *Transport) Connect(ctx context.Context, endpoint Endpoint, timeout time.Duration) error {
	ctx, logger := log.MustWithAttrs(ctx, "endpoint", endpoint)
	if t.port != nil {
		if t.endpoint == endpoint {
			return nil
		}
		logger.Info("Reconnecting to new endpoint", "previous", t.endpoint)
		if err := t.Disconnect(ctx); err != nil {
			logger.Warn("Disconnect failed", "err", err)
		}
	}

	port, err := t.openPortFn(ctx, endpoint, timeout)
	if err != nil {
		t.dispatcher.metrics.ConnectionFailed()
		return fmt.Errorf("vna: connect %s: %w: %w", endpoint, ErrConnection, err)
	}

	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		closeErr := port.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("vna: port close error: %w", closeErr)
		}
		return errors.Join(fmt.Errorf("vna: connect %s: %w: error setting read timeout: %w", endpoint, ErrConnection, err), closeErr)
	}

	t.port = port
	t.endpoint = endpoint
	t.pending = nil

	if t.settleDelay > 0 {
		timer := time.NewTimer(t.settleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return errors.Join(fmt.Errorf("vna: connect %s: %w", endpoint, ctx.Err()), t.Disconnect(ctx))
		}
	}

	t.dispatcher.connected(ctx, endpoint)
	return nil
}

// Disconnect closes the connection, if open.
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.pending = nil
	t.dispatcher.disconnected(ctx)
	if err != nil {
		return fmt.Errorf("vna: port close error: %w", err)
	}
	return nil
}

// fail handles an I/O error: the connection is dropped, with a socket error event unless the
// instrument closed it.
func (t *Transport) fail(ctx context.Context, op string, err error) error {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		t.dispatcher.error(ctx, ErrorCodeSocket, fmt.Sprintf("%s: %s", op, err))
	}
	if closeErr := t.Disconnect(ctx); closeErr != nil {
		log.MustLogger(ctx).Debug("Close after I/O error failed", "err", closeErr)
	}
	return fmt.Errorf("vna: %s: %w: %w", op, ErrConnection, err)
}

// Write sends b in full.
func (t *Transport) Write(ctx context.Context, b []byte) error {
	if t.port == nil {
		return fmt.Errorf("vna: write: %w", ErrNotConnected)
	}
	log.MustLogger(ctx).Debug("Write", "data", string(b))
	for len(b) > 0 {
		n, err := t.port.Write(b)
		if err != nil {
			return t.fail(ctx, "write", err)
		}
		b = b[n:]
	}
	return nil
}

// ReadWithTimeout returns the next line received, with its terminator. Input ending with a comma
// is also a reply once nothing more arrives for a poll period. An empty line is returned when none
// arrives within timeout. Bytes after the line are kept for the next read.
func (t *Transport) ReadWithTimeout(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if t.port == nil {
		return nil, fmt.Errorf("vna: read: %w", ErrNotConnected)
	}
	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := bytes.Clone(t.pending[:i+1])
			t.pending = t.pending[i+1:]
			log.MustLogger(ctx).Debug("Read", "data", string(line))
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("vna: read: %w", err)
		}
		if !time.Now().Before(deadline) {
			return []byte{}, nil
		}
		n, err := t.port.Read(t.readBuf)
		t.pending = append(t.pending, t.readBuf[:n]...)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, t.fail(ctx, "read", err)
		}
		if n == 0 {
			// Some instruments end replies with a comma instead of a newline: once the line is
			// idle, it is taken as complete.
			if trimmed := bytes.TrimSpace(t.pending); len(trimmed) > 0 && trimmed[len(trimmed)-1] == ',' {
				reply := t.pending
				t.pending = nil
				log.MustLogger(ctx).Debug("Read", "data", string(reply))
				return reply, nil
			}
		}
	}
}

// DiscardInput drops received bytes not yet consumed, so that late replies to timed out queries
// are not taken as replies to the next one.
func (t *Transport) DiscardInput(ctx context.Context) error {
	if t.port == nil {
		return fmt.Errorf("vna: discard input: %w", ErrNotConnected)
	}
	logger := log.MustLogger(ctx)
	discarded := len(t.pending)
	t.pending = nil

	port := t.port
	if err := port.SetReadTimeout(discardReadTimeout); err != nil {
		return t.fail(ctx, "discard input", err)
	}
	for {
		n, err := port.Read(t.readBuf)
		discarded += n
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return t.fail(ctx, "discard input", err)
		}
		if n == 0 {
			break
		}
	}
	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		return t.fail(ctx, "discard input", err)
	}
	if discarded > 0 {
		logger.Debug("Discarded stale input", "bytes", discarded)
	}
	return nil
}
