// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"context"
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux-specific socket options for outgoing TCP channels. SO_REUSEADDR allows
// a client association to bind its configured local port again while an older
// connection lingers in TIME_WAIT. It does not allow binding a port another
// socket is listening on. The keepalive options follow tcp(7) and make an
// abruptly lost peer detectable.

// dialControl is the net.Dialer's Control function to set the socket options.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		dialTcpKeepCnt     int = 3
		dialTcpKeepIdle    int = 5
		dialTcpKeepIntvl   int = 3
		dialTcpUserTimeout int = 10000
	)

	tcpOpts := map[int]int{
		unix.TCP_KEEPCNT:      dialTcpKeepCnt,
		unix.TCP_KEEPIDLE:     dialTcpKeepIdle,
		unix.TCP_KEEPINTVL:    dialTcpKeepIntvl,
		unix.TCP_USER_TIMEOUT: dialTcpUserTimeout,
	}

	ctlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}
		for opt, value := range tcpOpts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value); err != nil {
				return
			}
		}
	})
	if ctlErr != nil {
		err = ctlErr
	}
	return
}

// dialTCP opens a new TCP connection with socket options set.
func dialTCP(ctx context.Context, opts DialOptions) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: DialTimeout,
		Control: dialControl,
	}

	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		localAddr, err := net.ResolveTCPAddr("tcp", hostPort(opts.LocalAddress, opts.LocalPort))
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = localAddr
	}

	return dialer.DialContext(ctx, "tcp", hostPort(opts.RemoteAddress, opts.RemotePort))
}

// IsAddrInUse reports whether err was caused by a local address already in use.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
