// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package transport

import (
	"bytes"
	"testing"
	"time"
)

// listenKernelSCTP skips the test if the kernel has no SCTP support.
func listenKernelSCTP(t *testing.T, opts ListenOptions) Listener {
	ln, err := NewKernelSCTP().Listen(opts)
	if err != nil {
		t.Skipf("kernel SCTP is not available: %v", err)
	}
	return ln
}

func TestKernelSCTPExchange(t *testing.T) {
	port := getRandomPort(t)
	tr := NewKernelSCTP()

	ln := listenKernelSCTP(t, ListenOptions{Address: "127.0.0.1", Port: port, ExtraAddresses: []string{"127.0.0.2"}})
	defer func() { _ = ln.Close() }()

	if addr, ok := ln.Addr().(*MultiAddr); !ok || len(addr.IPs) != 2 {
		t.Fatalf("listener is bound to %#v, expected both addresses", ln.Addr())
	}

	client, server := exchange(t, tr, ln, DialOptions{
		LocalAddress:        "127.0.0.1",
		ExtraLocalAddresses: []string{"127.0.0.2"},
		RemoteAddress:       "127.0.0.1",
		RemotePort:          port,
	})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	if peer, ok := server.RemoteAddr().(*MultiAddr); !ok || len(peer.IPs) != 2 {
		t.Fatalf("peer announced %#v, expected both local addresses of the client", server.RemoteAddr())
	}

	msg := Message{Data: []byte("unordered"), Stream: 2, PayloadProtocolID: 0x01020304, Unordered: true}
	if err := client.WriteMessage(msg); err != nil {
		t.Fatal(err)
	}
	got := readWithin(t, server, 3*time.Second)
	if !bytes.Equal(got.Data, msg.Data) || got.Stream != 2 || got.PayloadProtocolID != 0x01020304 || !got.Unordered {
		t.Fatalf("received %v, expected %v", got, msg)
	}
}

func TestKernelSCTPListenerClose(t *testing.T) {
	ln := listenKernelSCTP(t, ListenOptions{Address: "127.0.0.1", Port: getRandomPort(t)})

	accepted := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		accepted <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-accepted:
		if err == nil {
			t.Fatal("closed listener accepted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}
