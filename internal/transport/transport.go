// Package transport implements the C1 frame transport: a connection
// -oriented, message-oriented channel over TCP. Each message is a
// self-describing map[string]any, framed with a 4-byte big-endian length
// prefix and a JSON body (spec §4.1). Send failures surface asynchronously
// as a synthetic "closed" message delivered through Recv, so a single
// recv-driven loop is sufficient on both the coordinator and worker side.
package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clustermeta/psscan/internal/message"
)

type frame = message.Msg

// maxFrameLen guards against a corrupt or hostile length prefix turning
// into an unbounded allocation.
const maxFrameLen = 256 << 20 // 256 MiB

// closeFlushDeadline bounds how long Close waits for queued sends to drain
// before shutting down the connection (spec §4.1 "close(handle)").
const closeFlushDeadline = 5 * time.Second

var ErrClosed = errors.New("transport: connection closed")

// Conn is one end of a framed, bidirectional, FIFO-ordered connection.
// Message boundaries are preserved; there is no cross-connection ordering.
type Conn struct {
	ID   uuid.UUID
	conn net.Conn

	sendQ *msgQueue

	recvMu   sync.Mutex
	recvCh   chan frame
	closedCh chan struct{}
	once     sync.Once
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		ID:       uuid.New(),
		conn:     nc,
		sendQ:    newMsgQueue(),
		recvCh:   make(chan frame, 1),
		closedCh: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Connect dials a coordinator (worker side of spec §4.1's connect()).
func Connect(host string, port int) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		return nil, err
	}
	return newConn(nc), nil
}

// Send enqueues msg for asynchronous delivery; it never blocks on I/O.
func (c *Conn) Send(msg message.Msg) {
	c.sendQ.Push(msg)
}

// Recv returns the next framed message, or the synthetic "closed" message
// (message.TypeClosed) once the peer has disconnected or the connection
// has failed. Recv keeps returning the closed message on every subsequent
// call so a caller's event loop need not special-case repeated reads.
func (c *Conn) Recv() message.Msg {
	m, ok := <-c.recvCh
	if !ok {
		return message.New(message.TypeClosed)
	}
	return m
}

// Close flushes pending sends up to closeFlushDeadline, then shuts down.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.sendQ.Close()
		select {
		case <-c.closedCh:
		case <-time.After(closeFlushDeadline):
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	w := bufio.NewWriter(c.conn)
	for f := range c.sendQ.Out() {
		if err := writeFrame(w, f); err != nil {
			_ = c.conn.Close()
			return
		}
		if err := w.Flush(); err != nil {
			_ = c.conn.Close()
			return
		}
	}
	_ = w.Flush()
	close(c.closedCh)
}

func (c *Conn) readLoop() {
	defer close(c.recvCh)
	r := bufio.NewReader(c.conn)
	for {
		f, err := readFrame(r)
		if err != nil {
			return
		}
		select {
		case c.recvCh <- f:
		case <-c.closedCh:
			return
		}
	}
}

func writeFrame(w io.Writer, m message.Msg) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if len(body) > maxFrameLen {
		return fmt.Errorf("transport: frame too large (%d bytes)", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (message.Msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("transport: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var m message.Msg
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Listener accepts inbound worker connections (spec §4.1's accept()).
type Listener struct {
	ln net.Listener
}

// Listen starts listening on addr (e.g. ":9876") for worker connections.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address (useful when the configured port is 0).
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks until a worker connects, returning a new *Conn whose ID is
// the opaque client identifier referenced throughout spec §4/§5.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(nc), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
