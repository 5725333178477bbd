// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ishidawataru/sctp"
	log "github.com/sirupsen/logrus"
)

// KernelSCTP is the Transport for the SCTP channel type on top of the SCTP
// stack of the Linux kernel. All host addresses of an endpoint are bound to
// the same association, so the kernel fails over between them. It requires
// the sctp kernel module.
type KernelSCTP struct{}

// NewKernelSCTP creates the kernel SCTP Transport.
func NewKernelSCTP() *KernelSCTP {
	return &KernelSCTP{}
}

// sctpAddr resolves a primary and its extra addresses into one SCTP address.
// Without any address, the wildcard address is used.
func sctpAddr(primary string, extra []string, port int) (*sctp.SCTPAddr, error) {
	addr := &sctp.SCTPAddr{Port: port}
	for _, host := range append([]string{primary}, extra...) {
		if host == "" {
			continue
		}

		ipAddr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, err
		}
		addr.IPAddrs = append(addr.IPAddrs, *ipAddr)
	}

	if len(addr.IPAddrs) == 0 {
		addr.IPAddrs = []net.IPAddr{{IP: net.IPv4zero}}
	}
	return addr, nil
}

func multiAddr(addr net.Addr) net.Addr {
	sa, ok := addr.(*sctp.SCTPAddr)
	if !ok || sa == nil {
		return addr
	}

	ma := &MultiAddr{Port: sa.Port}
	for _, ipAddr := range sa.IPAddrs {
		ma.IPs = append(ma.IPs, ipAddr.IP)
	}
	return ma
}

// The payload protocol identifier is passed to the kernel in network byte order.
func ppidToNetwork(ppid uint32) uint32 {
	var buff [4]byte
	binary.BigEndian.PutUint32(buff[:], ppid)
	return binary.NativeEndian.Uint32(buff[:])
}

func ppidFromNetwork(ppid uint32) uint32 {
	var buff [4]byte
	binary.NativeEndian.PutUint32(buff[:], ppid)
	return binary.BigEndian.Uint32(buff[:])
}

// kernelSCTPConn is a kernel SCTP association in one-to-one style.
type kernelSCTPConn struct {
	conn *sctp.SCTPConn
	buff []byte

	inStreams  int
	outStreams int

	local  net.Addr
	remote net.Addr
}

func newKernelSCTPConn(conn *sctp.SCTPConn, in, out int) (*kernelSCTPConn, error) {
	if err := conn.SubscribeEvents(sctp.SCTP_EVENT_DATA_IO); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &kernelSCTPConn{
		conn:       conn,
		buff:       make([]byte, MaxMessageSize),
		inStreams:  in,
		outStreams: out,
		local:      multiAddr(conn.LocalAddr()),
		remote:     multiAddr(conn.RemoteAddr()),
	}, nil
}

func (c *kernelSCTPConn) ReadMessage() (Message, error) {
	n, info, err := c.conn.SCTPRead(c.buff)
	if errors.Is(err, io.EOF) || (err == nil && n == 0) {
		return Message{}, io.EOF
	} else if err != nil {
		return Message{}, err
	}

	data := make([]byte, n)
	copy(data, c.buff[:n])

	msg := Message{Data: data, Peer: c.remote}
	if info != nil {
		msg.Stream = info.Stream
		msg.PayloadProtocolID = ppidFromNetwork(info.PPID)
		msg.Unordered = info.Flags&sctp.SCTP_UNORDERED != 0
	}
	return msg, nil
}

func (c *kernelSCTPConn) WriteMessage(msg Message) error {
	if len(msg.Data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds the maximum message size", len(msg.Data))
	}

	info := &sctp.SndRcvInfo{
		Stream: msg.Stream,
		PPID:   ppidToNetwork(msg.PayloadProtocolID),
	}
	if msg.Unordered {
		info.Flags |= sctp.SCTP_UNORDERED
	}

	_, err := c.conn.SCTPWrite(msg.Data, info)
	return err
}

func (c *kernelSCTPConn) Streams() (int, int) {
	return c.inStreams, c.outStreams
}

func (c *kernelSCTPConn) LocalAddr() net.Addr  { return c.local }
func (c *kernelSCTPConn) RemoteAddr() net.Addr { return c.remote }

func (c *kernelSCTPConn) Close() error {
	return c.conn.Close()
}

func (c *kernelSCTPConn) String() string {
	return fmt.Sprintf("sctp://%v->%v", c.conn.LocalAddr(), c.conn.RemoteAddr())
}

// Dial establishes an association bound to the local address and all extra
// local addresses. The kernel's handshake is not cancelable, a canceled dial
// closes the association once it completes.
func (_ *KernelSCTP) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	raddr, err := sctpAddr(opts.RemoteAddress, nil, opts.RemotePort)
	if err != nil {
		return nil, err
	}

	var laddr *sctp.SCTPAddr
	if opts.LocalAddress != "" || opts.LocalPort != 0 || len(opts.ExtraLocalAddresses) > 0 {
		if laddr, err = sctpAddr(opts.LocalAddress, opts.ExtraLocalAddresses, opts.LocalPort); err != nil {
			return nil, err
		}
	}

	in, out := streamsOrDefault(opts.InboundStreams), streamsOrDefault(opts.OutboundStreams)
	initMsg := sctp.InitMsg{NumOstreams: uint16(out), MaxInstreams: uint16(in)}

	type result struct {
		conn *sctp.SCTPConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := sctp.DialSCTPExt("sctp", laddr, raddr, initMsg)
		done <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return newKernelSCTPConn(r.conn, in, out)

	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Listen binds the address and all extra addresses to one SCTP endpoint.
func (_ *KernelSCTP) Listen(opts ListenOptions) (Listener, error) {
	laddr, err := sctpAddr(opts.Address, opts.ExtraAddresses, opts.Port)
	if err != nil {
		return nil, err
	}

	in, out := streamsOrDefault(opts.InboundStreams), streamsOrDefault(opts.OutboundStreams)
	ln, err := sctp.ListenSCTPExt("sctp", laddr, sctp.InitMsg{NumOstreams: uint16(out), MaxInstreams: uint16(in)})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"address": laddr,
	}).Debug("Kernel SCTP listener bound")

	return &kernelSCTPListener{ln: ln, addr: multiAddr(ln.Addr()), inStreams: in, outStreams: out}, nil
}

type kernelSCTPListener struct {
	ln   *sctp.SCTPListener
	addr net.Addr

	inStreams  int
	outStreams int

	closeOnce sync.Once
	closed    atomic.Bool
}

func (l *kernelSCTPListener) Accept() (Conn, error) {
	for {
		conn, err := l.ln.AcceptSCTP()
		if err != nil {
			if l.closed.Load() {
				return nil, net.ErrClosed
			}
			return nil, err
		}

		c, err := newKernelSCTPConn(conn, l.inStreams, l.outStreams)
		if err != nil {
			log.WithFields(log.Fields{
				"listener": l.addr,
				"error":    err,
			}).Info("Setting up an accepted SCTP association failed")
			continue
		}
		return c, nil
	}
}

func (l *kernelSCTPListener) Addr() net.Addr {
	return l.addr
}

func (l *kernelSCTPListener) Close() (err error) {
	err = net.ErrClosed
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.ln.Close()
	})
	return
}
