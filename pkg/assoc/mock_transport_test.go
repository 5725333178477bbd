// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// mockNetwork connects mockTransports in memory.
type mockNetwork struct {
	mutex     sync.Mutex
	listeners map[string]*mockListener
	busy      map[string]bool
	dialed    []*mockConn
	nextPort  int
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		listeners: make(map[string]*mockListener),
		busy:      make(map[string]bool),
		nextPort:  40000,
	}
}

// transports for a Config, using this network for both channel types.
func (mn *mockNetwork) transports() map[IpChannelType]transport.Transport {
	tr := &mockTransport{mn}
	return map[IpChannelType]transport.Transport{TCP: tr, SCTP: tr}
}

// occupy marks an address as used by a foreign socket.
func (mn *mockNetwork) occupy(host string, port int, busy bool) {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	mn.busy[net.JoinHostPort(host, strconv.Itoa(port))] = busy
}

// lastDialed returns the client end of the latest connection.
func (mn *mockNetwork) lastDialed() *mockConn {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	if len(mn.dialed) == 0 {
		return nil
	}
	return mn.dialed[len(mn.dialed)-1]
}

func (mn *mockNetwork) dialCount() int {
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	return len(mn.dialed)
}

type mockTransport struct {
	mn *mockNetwork
}

func (mt *mockTransport) Dial(_ context.Context, opts transport.DialOptions) (transport.Conn, error) {
	mn := mt.mn
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	localPort := opts.LocalPort
	if localPort == 0 {
		mn.nextPort++
		localPort = mn.nextPort
	}
	local := &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: localPort}

	if mn.busy[local.String()] {
		return nil, fmt.Errorf("bind %v: %w", local, syscall.EADDRINUSE)
	}

	ln, ok := mn.listeners[net.JoinHostPort(opts.RemoteAddress, strconv.Itoa(opts.RemotePort))]
	if !ok {
		return nil, fmt.Errorf("dial %s:%d: %w", opts.RemoteAddress, opts.RemotePort, syscall.ECONNREFUSED)
	}

	clientIn, clientOut := min(opts.InboundStreams, ln.opts.OutboundStreams), min(opts.OutboundStreams, ln.opts.InboundStreams)
	client, server := newMockConnPair(local, ln.addr, clientIn, clientOut)

	select {
	case ln.accepted <- server:
	default:
		return nil, fmt.Errorf("dial %v: %w", ln.addr, syscall.ECONNREFUSED)
	}

	mn.dialed = append(mn.dialed, client)
	return client, nil
}

func (mt *mockTransport) Listen(opts transport.ListenOptions) (transport.Listener, error) {
	mn := mt.mn
	mn.mutex.Lock()
	defer mn.mutex.Unlock()

	key := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
	if _, ok := mn.listeners[key]; ok || mn.busy[key] {
		return nil, fmt.Errorf("listen %s: %w", key, syscall.EADDRINUSE)
	}

	ln := &mockListener{
		mn:       mn,
		key:      key,
		addr:     &net.TCPAddr{IP: net.ParseIP(opts.Address), Port: opts.Port},
		opts:     opts,
		accepted: make(chan transport.Conn, 16),
		done:     make(chan struct{}),
	}
	mn.listeners[key] = ln
	return ln, nil
}

type mockListener struct {
	mn   *mockNetwork
	key  string
	addr net.Addr
	opts transport.ListenOptions

	accepted  chan transport.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (ml *mockListener) Accept() (transport.Conn, error) {
	select {
	case conn := <-ml.accepted:
		return conn, nil
	case <-ml.done:
		return nil, net.ErrClosed
	}
}

func (ml *mockListener) Addr() net.Addr {
	return ml.addr
}

func (ml *mockListener) Close() error {
	ml.closeOnce.Do(func() {
		ml.mn.mutex.Lock()
		if ml.mn.listeners[ml.key] == ml {
			delete(ml.mn.listeners, ml.key)
		}
		ml.mn.mutex.Unlock()

		close(ml.done)
	})
	return nil
}

// mockConn is one end of an in-memory connection. Closing it lets the peer
// read io.EOF, aborting it lets the peer read the abort error.
type mockConn struct {
	peer *mockConn

	local, remote net.Addr
	in, out       int

	inbox     chan transport.Message
	done      chan struct{}
	closeOnce sync.Once
	abortErr  error

	sourceMutex sync.Mutex
	source      net.Addr

	writes atomic.Int32
}

func newMockConnPair(clientAddr, serverAddr net.Addr, clientIn, clientOut int) (client, server *mockConn) {
	client = &mockConn{
		local:  clientAddr,
		remote: serverAddr,
		in:     clientIn,
		out:    clientOut,
		inbox:  make(chan transport.Message, 64),
		done:   make(chan struct{}),
		source: clientAddr,
	}
	server = &mockConn{
		local:  serverAddr,
		remote: clientAddr,
		in:     clientOut,
		out:    clientIn,
		inbox:  make(chan transport.Message, 64),
		done:   make(chan struct{}),
		source: serverAddr,
	}
	client.peer, server.peer = server, client
	return
}

// setSource changes the address the peer sees on following messages, as a
// multi-homed endpoint moving to another address.
func (mc *mockConn) setSource(addr net.Addr) {
	mc.sourceMutex.Lock()
	defer mc.sourceMutex.Unlock()

	mc.source = addr
}

func (mc *mockConn) ReadMessage() (transport.Message, error) {
	select {
	case msg := <-mc.inbox:
		return msg, nil
	case <-mc.done:
		return transport.Message{}, net.ErrClosed
	case <-mc.peer.done:
		select {
		case msg := <-mc.inbox:
			return msg, nil
		default:
		}
		if mc.peer.abortErr != nil {
			return transport.Message{}, mc.peer.abortErr
		}
		return transport.Message{}, io.EOF
	}
}

func (mc *mockConn) WriteMessage(msg transport.Message) error {
	mc.sourceMutex.Lock()
	msg.Peer = mc.source
	mc.sourceMutex.Unlock()

	msg.Data = append([]byte(nil), msg.Data...)

	select {
	case <-mc.done:
		return net.ErrClosed
	case <-mc.peer.done:
		return errors.New("broken pipe")
	default:
	}

	select {
	case mc.peer.inbox <- msg:
		mc.writes.Add(1)
		return nil
	case <-mc.done:
		return net.ErrClosed
	case <-mc.peer.done:
		return errors.New("broken pipe")
	}
}

func (mc *mockConn) Streams() (int, int) {
	return mc.in, mc.out
}

func (mc *mockConn) LocalAddr() net.Addr  { return mc.local }
func (mc *mockConn) RemoteAddr() net.Addr { return mc.remote }

func (mc *mockConn) Close() error {
	mc.closeOnce.Do(func() { close(mc.done) })
	return nil
}

// abort closes this end and lets the peer fail with err.
func (mc *mockConn) abort(err error) {
	mc.closeOnce.Do(func() {
		mc.abortErr = err
		close(mc.done)
	})
}
