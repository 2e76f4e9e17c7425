package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
)

// Transport carries DAP protocol messages over a byte stream. Reads and
// writes are each serialized internally, but a read may be concurrent with
// a write.
type Transport interface {
	// ReadMessage blocks until the next complete DAP message is available.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes one DAP message. Safe for concurrent use.
	WriteMessage(msg dap.Message) error

	// Close closes the underlying stream, failing any blocked reads or writes.
	Close() error
}

type streamTransport struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewStreamTransport wraps a bidirectional byte stream in a Transport.
func NewStreamTransport(conn io.ReadWriteCloser) Transport {
	return &streamTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// DialTCP connects to a debug adapter listening on a TCP address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial debug adapter at %s: %w", address, dialErr)
	}
	return NewStreamTransport(conn), nil
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.closed.Load() {
		return nil, net.ErrClosed
	}

	msg, readErr := dap.ReadProtocolMessage(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.closed.Load() {
		return net.ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.conn, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	return nil
}

func (t *streamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}
