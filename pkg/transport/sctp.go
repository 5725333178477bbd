// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/sctp"
	"github.com/pion/transport/v3/udp"
	log "github.com/sirupsen/logrus"
)

// The SCTP channel runs a userspace SCTP association, pion/sctp, on top of a
// UDP socket. Record boundaries, stream identifiers, payload protocol
// identifiers and unordered delivery are provided by SCTP itself, so no extra
// framing is needed. pion does not expose the unordered flag of a received
// chunk, thus inbound messages are always reported as ordered.

// sctpInbound is either a message or the error which ended a stream.
type sctpInbound struct {
	msg Message
	err error
}

// sctpConn is an SCTP channel.
type sctpConn struct {
	netConn net.Conn
	assoc   *sctp.Association

	inStreams  int
	outStreams int

	streamsMutex sync.Mutex
	streams      map[uint16]*sctp.Stream

	inbox chan sctpInbound

	closeOnce sync.Once
	closeSyn  chan struct{}
}

func newSCTPConn(netConn net.Conn, assoc *sctp.Association, in, out int) *sctpConn {
	c := &sctpConn{
		netConn:    netConn,
		assoc:      assoc,
		inStreams:  in,
		outStreams: out,
		streams:    make(map[uint16]*sctp.Stream),
		inbox:      make(chan sctpInbound, 64),
		closeSyn:   make(chan struct{}),
	}

	go c.acceptStreams()
	return c
}

func sctpConfig(netConn net.Conn) sctp.Config {
	return sctp.Config{
		NetConn:              netConn,
		MaxReceiveBufferSize: 4 * MaxMessageSize,
		MaxMessageSize:       MaxMessageSize,
		LoggerFactory:        pionLoggerFactory{},
	}
}

// push an inbound message or error unless the channel is closed.
func (c *sctpConn) push(in sctpInbound) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.closeSyn:
		return false
	}
}

func (c *sctpConn) acceptStreams() {
	for {
		stream, err := c.assoc.AcceptStream()
		if err != nil {
			c.push(sctpInbound{err: err})
			return
		}

		c.streamsMutex.Lock()
		c.track(stream)
		c.streamsMutex.Unlock()
	}
}

// track a stream and start its reader, once per stream. Streams opened
// locally receive the peer's messages on the same identifier as well. The
// caller holds streamsMutex.
func (c *sctpConn) track(stream *sctp.Stream) {
	if known, ok := c.streams[stream.StreamIdentifier()]; ok && known == stream {
		return
	}

	c.streams[stream.StreamIdentifier()] = stream
	go c.readStream(stream)
}

func (c *sctpConn) readStream(stream *sctp.Stream) {
	buff := make([]byte, MaxMessageSize)
	for {
		n, ppi, err := stream.ReadSCTP(buff)
		if err != nil {
			c.push(sctpInbound{err: err})
			return
		}

		data := make([]byte, n)
		copy(data, buff[:n])

		msg := Message{
			Data:              data,
			Stream:            stream.StreamIdentifier(),
			PayloadProtocolID: uint32(ppi),
			Peer:              c.netConn.RemoteAddr(),
		}
		if !c.push(sctpInbound{msg: msg}) {
			return
		}
	}
}

func (c *sctpConn) ReadMessage() (Message, error) {
	select {
	case in := <-c.inbox:
		if in.err != nil && closedByPeer(in.err) {
			return Message{}, io.EOF
		}
		return in.msg, in.err

	case <-c.closeSyn:
		return Message{}, net.ErrClosed
	}
}

// closedByPeer tells if a read error stems from the association closing its
// socket. Without a local Close, this only follows the peer's SHUTDOWN. An
// ABORT ends the reads with its error causes instead.
func closedByPeer(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// stream returns the stream for an identifier, opening it on demand.
func (c *sctpConn) stream(id uint16, ppi sctp.PayloadProtocolIdentifier) (*sctp.Stream, error) {
	c.streamsMutex.Lock()
	defer c.streamsMutex.Unlock()

	if stream, ok := c.streams[id]; ok {
		return stream, nil
	}

	stream, err := c.assoc.OpenStream(id, ppi)
	if err != nil {
		return nil, err
	}
	c.track(stream)
	return stream, nil
}

func (c *sctpConn) WriteMessage(msg Message) error {
	if len(msg.Data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds the maximum message size", len(msg.Data))
	}

	ppi := sctp.PayloadProtocolIdentifier(msg.PayloadProtocolID)
	stream, err := c.stream(msg.Stream, ppi)
	if err != nil {
		return err
	}

	stream.SetReliabilityParams(msg.Unordered, sctp.ReliabilityTypeReliable, 0)
	_, err = stream.WriteSCTP(msg.Data, ppi)
	return err
}

func (c *sctpConn) Streams() (int, int) {
	return c.inStreams, c.outStreams
}

func (c *sctpConn) LocalAddr() net.Addr  { return c.netConn.LocalAddr() }
func (c *sctpConn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

func (c *sctpConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closeSyn)

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if shutdownErr := c.assoc.Shutdown(ctx); shutdownErr != nil {
			log.WithFields(log.Fields{
				"conn":  c,
				"error": shutdownErr,
			}).Debug("SCTP shutdown did not complete")
		}
		cancel()

		err = c.assoc.Close()
		_ = c.netConn.Close()
	})
	return
}

func (c *sctpConn) String() string {
	return fmt.Sprintf("sctp://%v->%v", c.netConn.LocalAddr(), c.netConn.RemoteAddr())
}

// SCTP is the Transport for the SCTP channel type.
type SCTP struct{}

// NewSCTP creates the SCTP Transport.
func NewSCTP() *SCTP {
	return &SCTP{}
}

// Dial establishes an SCTP association. The UDP encapsulation binds a single
// local address, extra local addresses are tried in order if dialing from the
// primary one fails.
func (t *SCTP) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	return dialAll(ctx, opts, t.dial)
}

func (_ *SCTP) dial(ctx context.Context, opts DialOptions) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", hostPort(opts.RemoteAddress, opts.RemotePort))
	if err != nil {
		return nil, err
	}

	var laddr *net.UDPAddr
	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		if laddr, err = net.ResolveUDPAddr("udp", hostPort(opts.LocalAddress, opts.LocalPort)); err != nil {
			return nil, err
		}
	}

	udpConn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, err
	}

	type result struct {
		assoc *sctp.Association
		err   error
	}
	done := make(chan result, 1)
	go func() {
		assoc, err := sctp.Client(sctpConfig(udpConn))
		done <- result{assoc, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	select {
	case r := <-done:
		if r.err != nil {
			_ = udpConn.Close()
			return nil, r.err
		}
		return newSCTPConn(udpConn, r.assoc,
			streamsOrDefault(opts.InboundStreams), streamsOrDefault(opts.OutboundStreams)), nil

	case <-ctx.Done():
		_ = udpConn.Close()
		go func() {
			if r := <-done; r.assoc != nil {
				_ = r.assoc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Listen binds a UDP socket on the address and on each extra address and
// accepts SCTP associations on them, one per remote address.
func (_ *SCTP) Listen(opts ListenOptions) (Listener, error) {
	return listenAll(opts, func(address string) (Listener, error) {
		return listenSCTP(address, opts)
	})
}

func listenSCTP(address string, opts ListenOptions) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", hostPort(address, opts.Port))
	if err != nil {
		return nil, err
	}

	ln, err := udp.Listen("udp", laddr)
	if err != nil {
		return nil, err
	}

	l := &sctpListener{
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

type sctpListener struct {
	ln net.Listener

	inStreams  int
	outStreams int

	accepted  chan Conn
	acceptErr error

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

func (l *sctpListener) handler() {
	defer close(l.stopAck)

	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopSyn:
			default:
				log.WithFields(log.Fields{
					"listener": l.ln.Addr(),
					"error":    err,
				}).Warn("SCTP listener failed to accept")
				l.acceptErr = err
			}
			return
		}

		go l.handshake(netConn)
	}
}

func (l *sctpListener) handshake(netConn net.Conn) {
	timer := time.AfterFunc(HandshakeTimeout, func() { _ = netConn.Close() })

	assoc, err := sctp.Server(sctpConfig(netConn))
	if !timer.Stop() && err == nil {
		err = fmt.Errorf("handshake exceeded %v", HandshakeTimeout)
		_ = assoc.Close()
	}
	if err != nil {
		log.WithFields(log.Fields{
			"listener": l.ln.Addr(),
			"peer":     netConn.RemoteAddr(),
			"error":    err,
		}).Info("SCTP handshake of an accepted association failed")

		_ = netConn.Close()
		return
	}

	c := newSCTPConn(netConn, assoc, l.inStreams, l.outStreams)
	select {
	case l.accepted <- c:
	case <-l.stopSyn:
		_ = c.Close()
	}
}

func (l *sctpListener) Accept() (Conn, error) {
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

func (l *sctpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *sctpListener) Close() (err error) {
	l.stopOnce.Do(func() {
		close(l.stopSyn)
		err = l.ln.Close()
		<-l.stopAck
	})
	return
}
