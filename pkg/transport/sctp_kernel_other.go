// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package transport

import (
	"context"
	"errors"
)

// ErrKernelSCTPUnsupported is returned by KernelSCTP on operating systems other than Linux.
var ErrKernelSCTPUnsupported = errors.New("kernel SCTP is only supported on Linux")

// KernelSCTP is the Transport for the SCTP channel type on top of the SCTP
// stack of the Linux kernel. It is not available on this operating system.
type KernelSCTP struct{}

// NewKernelSCTP creates the kernel SCTP Transport.
func NewKernelSCTP() *KernelSCTP {
	return &KernelSCTP{}
}

func (_ *KernelSCTP) Dial(_ context.Context, _ DialOptions) (Conn, error) {
	return nil, ErrKernelSCTPUnsupported
}

func (_ *KernelSCTP) Listen(_ ListenOptions) (Listener, error) {
	return nil, ErrKernelSCTPUnsupported
}
