package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrConnClosed is returned from operations on a torn-down connection.
var ErrConnClosed = errors.New("transport: connection closed")

const quicIdleTimeout = 30 * time.Second

// quicConfig enables the datagram extension so the primary transport kind is
// available to clients that advertise it.
func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

// QUICListener accepts QUIC connections for both QUIC-backed kinds.
type QUICListener struct {
	listener *quic.Listener
}

// ListenQUIC starts a QUIC listener with datagram support enabled.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICListener{listener: listener}, nil
}

// Accept blocks for the next client connection and opens its control stream.
// The returned conn starts as the stream kind; the session layer promotes it
// to datagrams if negotiation lands there.
func (l *QUICListener) Accept(ctx context.Context) (*QUICConn, error) {
	if l == nil || l.listener == nil {
		return nil, ErrConnClosed
	}
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	control, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return newQUICConn(conn, control), nil
}

// Close stops accepting connections.
func (l *QUICListener) Close() error {
	if l == nil || l.listener == nil {
		return nil
	}
	return l.listener.Close()
}

// DialQUIC connects to a server and opens the control stream, for clients
// and integration tooling.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return newQUICConn(conn, control), nil
}

// QUICConn adapts a QUIC connection to the Conn interface. Control traffic
// rides a bidirectional stream as newline-delimited JSON; when the datagram
// kind is negotiated, unreliable payloads ride QUIC datagrams instead.
type QUICConn struct {
	conn    quic.Connection
	control quic.Stream
	writeMu sync.Mutex

	// kindMu guards kind: Send and Kind read it concurrently with the
	// one-time promotion write.
	kindMu sync.RWMutex
	kind   Kind

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

func newQUICConn(conn quic.Connection, control quic.Stream) *QUICConn {
	c := &QUICConn{
		conn:    conn,
		control: control,
		kind:    KindQUICStream,
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go c.pumpControl()
	go c.pumpDatagrams()
	return c
}

// Kind reports the current binding kind.
func (c *QUICConn) Kind() Kind {
	if c == nil {
		return ""
	}
	c.kindMu.RLock()
	defer c.kindMu.RUnlock()
	return c.kind
}

// PromoteToDatagram switches unreliable payloads onto QUIC datagrams. Called
// once, immediately after negotiation selects the datagram kind.
func (c *QUICConn) PromoteToDatagram() {
	if c == nil {
		return
	}
	c.kindMu.Lock()
	c.kind = KindQUICDatagram
	c.kindMu.Unlock()
}

// Send writes one payload. Unreliable payloads use datagrams when the
// datagram kind was negotiated; everything else rides the control stream.
func (c *QUICConn) Send(payload []byte, reliable bool) error {
	if c == nil || c.conn == nil {
		return ErrConnClosed
	}
	if !reliable && c.Kind() == KindQUICDatagram {
		return c.conn.SendDatagram(payload)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, payload...)
	framed = append(framed, '\n')
	_, err := c.control.Write(framed)
	return err
}

// Receive blocks for the next inbound payload from either the control stream
// or the datagram flow.
func (c *QUICConn) Receive(ctx context.Context) ([]byte, error) {
	if c == nil {
		return nil, ErrConnClosed
	}
	select {
	case payload, ok := <-c.inbound:
		if !ok {
			return nil, c.closeError()
		}
		return payload, nil
	case <-c.done:
		return nil, c.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the connection.
func (c *QUICConn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.markClosed(ErrConnClosed)
	return c.conn.CloseWithError(0, "closed")
}

func (c *QUICConn) pumpControl() {
	scanner := bufio.NewScanner(c.control)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case c.inbound <- line:
		case <-c.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = ErrConnClosed
	}
	c.markClosed(err)
}

func (c *QUICConn) pumpDatagrams() {
	for {
		payload, err := c.conn.ReceiveDatagram(context.Background())
		if err != nil {
			// Datagram support may be absent on the peer; only a closed
			// connection ends the pump with a reported error.
			c.markClosed(err)
			return
		}
		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *QUICConn) markClosed(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

func (c *QUICConn) closeError() error {
	if c.readErr != nil {
		return c.readErr
	}
	return ErrConnClosed
}
