// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// KeepaliveInterval is the idle time between two keepalive frames of a TCP channel.
const KeepaliveInterval = 5 * time.Second

// tcpConn is a TCP channel. Messages are framed, see frame.
type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	writeMutex sync.Mutex

	inStreams  int
	outStreams int

	closeOnce sync.Once
	closeSyn  chan struct{}
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		closeSyn: make(chan struct{}),
	}
}

// handshake exchanges INIT frames and negotiates the stream counts.
func (c *tcpConn) handshake(localIn, localOut int) (err error) {
	if err = c.conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return
	}
	defer func() {
		if dlErr := c.conn.SetDeadline(time.Time{}); dlErr != nil && err == nil {
			err = dlErr
		}
	}()

	c.writeMutex.Lock()
	err = writeFrame(c.writer, newInitFrame(localIn, localOut))
	c.writeMutex.Unlock()
	if err != nil {
		return
	}

	f, err := readFrame(c.reader)
	if err != nil {
		return
	} else if f.kind != frameInit {
		return fmt.Errorf("expected INIT frame, got kind %d", f.kind)
	}

	c.inStreams, c.outStreams = negotiate(localIn, localOut, int(f.inStreams), int(f.outStreams))
	if c.inStreams == 0 || c.outStreams == 0 {
		return fmt.Errorf("peer announced no streams: in=%d, out=%d", f.inStreams, f.outStreams)
	}
	return
}

func (c *tcpConn) ReadMessage() (Message, error) {
	for {
		f, err := readFrame(c.reader)
		if err != nil {
			return Message{}, err
		}

		switch f.kind {
		case frameData:
			f.msg.Peer = c.conn.RemoteAddr()
			return f.msg, nil

		default:
			log.WithFields(log.Fields{
				"conn": c,
				"kind": f.kind,
			}).Debug("TCP channel dropped unexpected frame")
		}
	}
}

func (c *tcpConn) WriteMessage(msg Message) error {
	if len(msg.Data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds the maximum message size", len(msg.Data))
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	return writeFrame(c.writer, newDataFrame(msg))
}

// keepalive sends empty frames on the connection until it is closed. A
// failed keepalive closes the connection, which the reader reports.
func (c *tcpConn) keepalive() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeSyn:
			return

		case <-ticker.C:
			c.writeMutex.Lock()
			err := writeKeepalive(c.writer)
			c.writeMutex.Unlock()

			if err != nil {
				log.WithFields(log.Fields{
					"conn":  c,
					"error": err,
				}).Warn("TCP channel keepalive errored")

				_ = c.Close()
				return
			}
		}
	}
}

func (c *tcpConn) Streams() (int, int) {
	return c.inStreams, c.outStreams
}

func (c *tcpConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closeSyn)
		err = c.conn.Close()
	})
	return
}

func (c *tcpConn) String() string {
	return fmt.Sprintf("tcp://%v->%v", c.conn.LocalAddr(), c.conn.RemoteAddr())
}

// TCP is the Transport for the TCP channel type.
type TCP struct{}

// NewTCP creates the TCP Transport.
func NewTCP() *TCP {
	return &TCP{}
}

// Dial connects to the remote address, optionally bound to a local address and
// port, and negotiates the stream counts. Extra local addresses are tried in
// order if dialing from the primary one fails.
func (t *TCP) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	return dialAll(ctx, opts, t.dial)
}

func (_ *TCP) dial(ctx context.Context, opts DialOptions) (Conn, error) {
	conn, err := dialTCP(ctx, opts)
	if err != nil {
		return nil, err
	}

	c := newTCPConn(conn)
	if err := c.handshake(streamsOrDefault(opts.InboundStreams), streamsOrDefault(opts.OutboundStreams)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.keepalive()
	return c, nil
}

// Listen binds a TCP listener on the address and on each extra address.
func (_ *TCP) Listen(opts ListenOptions) (Listener, error) {
	return listenAll(opts, func(address string) (Listener, error) {
		return listenTCP(address, opts)
	})
}

func listenTCP(address string, opts ListenOptions) (Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", hostPort(address, opts.Port))
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}

	l := &tcpListener{
		ln:         ln,
		inStreams:  streamsOrDefault(opts.InboundStreams),
		outStreams: streamsOrDefault(opts.OutboundStreams),
		accepted:   make(chan Conn),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}
	go l.handler()

	return l, nil
}

// tcpListener accepts TCP connections and performs each handshake in its own
// goroutine, so a slow peer does not hold back others.
type tcpListener struct {
	ln *net.TCPListener

	inStreams  int
	outStreams int

	accepted chan Conn
	acceptErr error

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

func (l *tcpListener) handler() {
	defer close(l.stopAck)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopSyn:
			default:
				log.WithFields(log.Fields{
					"listener": l.ln.Addr(),
					"error":    err,
				}).Warn("TCP listener failed to accept")
				l.acceptErr = err
			}
			return
		}

		go l.handshake(conn)
	}
}

func (l *tcpListener) handshake(conn net.Conn) {
	c := newTCPConn(conn)
	if err := c.handshake(l.inStreams, l.outStreams); err != nil {
		log.WithFields(log.Fields{
			"listener": l.ln.Addr(),
			"peer":     conn.RemoteAddr(),
			"error":    err,
		}).Info("TCP handshake of an accepted connection failed")

		_ = conn.Close()
		return
	}

	select {
	case l.accepted <- c:
		go c.keepalive()
	case <-l.stopSyn:
		_ = c.Close()
	}
}

func (l *tcpListener) Accept() (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.stopAck:
		if l.acceptErr != nil {
			return nil, l.acceptErr
		}
		return nil, net.ErrClosed
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() (err error) {
	l.stopOnce.Do(func() {
		close(l.stopSyn)
		err = l.ln.Close()
		<-l.stopAck
	})
	return
}
