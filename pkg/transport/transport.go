// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport provides the channels an association is carried on.
//
// A Transport opens outgoing Conns (Dial) and passive Listeners (Listen).
// Three implementations exist: TCP, where record boundaries are restored by a
// CBOR length framing, SCTP, which runs a pion/sctp association over UDP, and
// KernelSCTP, which uses the SCTP stack of the Linux kernel and binds all
// addresses of a multi-homed endpoint to one association.
//
// All methods of a Conn or Listener may block. The association reactor calls
// them from dedicated I/O goroutines only, never from its event loop.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DialTimeout bounds a single connect attempt, including the handshake.
	DialTimeout = 5 * time.Second

	// HandshakeTimeout bounds the stream negotiation of an accepted connection.
	HandshakeTimeout = 5 * time.Second

	// ShutdownTimeout bounds the SHUTDOWN exchange of closing an SCTP association.
	ShutdownTimeout = time.Second

	// MaxMessageSize is the largest payload accepted on a channel.
	MaxMessageSize = 1 << 16

	// DefaultStreams is used if DialOptions or ListenOptions carry no stream count.
	DefaultStreams = 32
)

// Message is one application message as carried by a Conn.
type Message struct {
	Data              []byte
	Stream            uint16
	PayloadProtocolID uint32

	// Unordered requests unordered delivery when sending. For inbound messages
	// it is set by TCP and kernel SCTP. The SCTP over UDP channel cannot tell
	// and always reports false.
	Unordered bool

	// Peer is the remote address this message was received from. It is only set
	// for inbound messages and might change for multi-homed peers.
	Peer net.Addr
}

func (msg Message) String() string {
	return fmt.Sprintf("Message(stream=%d, ppid=%d, unordered=%t, len=%d)",
		msg.Stream, msg.PayloadProtocolID, msg.Unordered, len(msg.Data))
}

// MultiAddr is the address of a multi-homed SCTP endpoint: one port on
// several IPs, the first one being the primary address.
type MultiAddr struct {
	IPs  []net.IP
	Port int
}

func (a *MultiAddr) Network() string {
	return "sctp"
}

// String of the primary address, in host:port notation.
func (a *MultiAddr) String() string {
	if len(a.IPs) == 0 {
		return hostPort("", a.Port)
	}
	return hostPort(a.IPs[0].String(), a.Port)
}

// Conn is an established, message oriented channel to a peer.
type Conn interface {
	// ReadMessage blocks until the next whole message arrives. A clean close by
	// the peer is reported as io.EOF.
	ReadMessage() (Message, error)

	// WriteMessage sends one message. It must not be called concurrently.
	WriteMessage(msg Message) error

	// Streams returns the negotiated amount of inbound and outbound streams.
	Streams() (inbound, outbound int)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts Conns whose handshake has already completed.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// DialOptions describe an outgoing connect attempt.
type DialOptions struct {
	LocalAddress        string
	LocalPort           int
	ExtraLocalAddresses []string

	RemoteAddress string
	RemotePort    int

	InboundStreams  int
	OutboundStreams int
}

// ListenOptions describe a passive endpoint.
type ListenOptions struct {
	Address        string
	Port           int
	ExtraAddresses []string

	InboundStreams  int
	OutboundStreams int
}

// Transport creates Conns and Listeners of one channel type.
type Transport interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
	Listen(opts ListenOptions) (Listener, error)
}

func streamsOrDefault(n int) int {
	if n <= 0 {
		return DefaultStreams
	}
	return n
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// negotiate the stream counts from the local limits and the peer's announcement.
func negotiate(localIn, localOut, peerIn, peerOut int) (in, out int) {
	return min(localIn, peerOut), min(localOut, peerIn)
}
