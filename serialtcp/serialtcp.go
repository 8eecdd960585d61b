package serialtcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var ErrNotSupported = errors.New("serialtcp: not supported over TCP")

// TcpPort partially implements serial.Port interface over a TCP connection. Reads honour the
// timeout set with SetReadTimeout, returning an error matching os.ErrDeadlineExceeded when it
// expires.
type TcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

// NewTcpPort wraps an established connection.
func NewTcpPort(conn net.Conn) *TcpPort {
	return &TcpPort{
		conn:        conn,
		readTimeout: serial.NoTimeout,
	}
}

// Dial connects to address, waiting at most timeout.
func Dial(ctx context.Context, address string, timeout time.Duration) (*TcpPort, error) {
	logger := log.MustLogger(ctx)
	logger.Debug("Dialing TCP port", "address", address, "timeout", timeout)
	dialer := &net.Dialer{
		Timeout: timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("serialtcp: dial %s: %w", address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return nil, errors.Join(
				fmt.Errorf("serialtcp: failed to set TCP no delay: %w", err),
				conn.Close(),
			)
		}
	}
	return NewTcpPort(conn), nil
}

// Probe checks whether address accepts connections, by opening and immediately closing a
// throwaway connection.
func Probe(ctx context.Context, address string, timeout time.Duration) error {
	port, err := Dial(ctx, address, timeout)
	if err != nil {
		return err
	}
	return port.Close()
}

func (tp *TcpPort) SetMode(mode *serial.Mode) error {
	return ErrNotSupported
}

func (tp *TcpPort) Read(p []byte) (n int, err error) {
	deadline := time.Time{}
	if tp.readTimeout != serial.NoTimeout {
		deadline = time.Now().Add(tp.readTimeout)
	}
	if err := tp.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return tp.conn.Read(p)
}

func (tp *TcpPort) Write(p []byte) (n int, err error) {
	return tp.conn.Write(p)
}

// Drain is a no-op: TCP writes are handed to the kernel synchronously.
func (tp *TcpPort) Drain() error {
	return nil
}

func (tp *TcpPort) ResetInputBuffer() error {
	return ErrNotSupported
}

func (tp *TcpPort) ResetOutputBuffer() error {
	return ErrNotSupported
}

func (tp *TcpPort) SetDTR(dtr bool) error {
	return ErrNotSupported
}

func (tp *TcpPort) SetRTS(rts bool) error {
	return ErrNotSupported
}

func (tp *TcpPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return nil, ErrNotSupported
}

func (tp *TcpPort) SetReadTimeout(t time.Duration) error {
	tp.readTimeout = t
	return nil
}

func (tp *TcpPort) Close() error {
	return tp.conn.Close()
}

func (tp *TcpPort) Break(time.Duration) error {
	return ErrNotSupported
}

// RemoteAddr returns the instrument address.
func (tp *TcpPort) RemoteAddr() net.Addr {
	return tp.conn.RemoteAddr()
}
