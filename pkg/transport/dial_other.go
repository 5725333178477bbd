// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// This file implements the dialer for operating systems next to Linux. The
// other file additionally sets specific socket options.

// dialTCP opens a new TCP connection with a configured timeout and keepalive.
func dialTCP(ctx context.Context, opts DialOptions) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   DialTimeout,
		KeepAlive: 5 * time.Second,
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
	return errors.Is(err, syscall.EADDRINUSE)
}
