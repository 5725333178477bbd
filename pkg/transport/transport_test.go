// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func getRandomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Error(err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

func getRandomUDPPort(t *testing.T) int {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// exchange dials the listener, sends one message in each direction and
// returns both ends.
func exchange(t *testing.T, tr Transport, ln Listener, opts DialOptions) (client, server Conn) {
	accepted := make(chan Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := tr.Dial(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}

	ping := Message{Data: []byte("ping"), Stream: 1, PayloadProtocolID: 3}
	if err := client.WriteMessage(ping); err != nil {
		t.Fatal(err)
	}

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not accept")
	}

	if msg, err := server.ReadMessage(); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(msg.Data, ping.Data) || msg.Stream != 1 || msg.PayloadProtocolID != 3 {
		t.Fatalf("received %v, expected %v", msg, ping)
	} else if msg.Peer == nil {
		t.Fatal("inbound message carries no peer address")
	}

	pong := Message{Data: []byte("pong"), Stream: 0, PayloadProtocolID: 3}
	if err := server.WriteMessage(pong); err != nil {
		t.Fatal(err)
	}
	if msg, err := client.ReadMessage(); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(msg.Data, pong.Data) {
		t.Fatalf("received %v, expected %v", msg, pong)
	}

	// Replies on the stream of the request, opened by the other side.
	echo := Message{Data: []byte("echo"), Stream: 1, PayloadProtocolID: 3}
	if err := server.WriteMessage(echo); err != nil {
		t.Fatal(err)
	}
	if msg := readWithin(t, client, 3*time.Second); !bytes.Equal(msg.Data, echo.Data) || msg.Stream != 1 {
		t.Fatalf("received %v, expected %v", msg, echo)
	}

	back := Message{Data: []byte("back"), Stream: 0, PayloadProtocolID: 3}
	if err := client.WriteMessage(back); err != nil {
		t.Fatal(err)
	}
	if msg := readWithin(t, server, 3*time.Second); !bytes.Equal(msg.Data, back.Data) || msg.Stream != 0 {
		t.Fatalf("received %v, expected %v", msg, back)
	}

	return
}

// readWithin fails the test if no message arrives in time.
func readWithin(t *testing.T, c Conn, timeout time.Duration) Message {
	t.Helper()

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.ReadMessage()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		return r.msg
	case <-time.After(timeout):
		t.Fatalf("no message from %v within %v", c.RemoteAddr(), timeout)
		return Message{}
	}
}

func TestTCPExchange(t *testing.T) {
	port := getRandomPort(t)
	tr := NewTCP()

	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: port, InboundStreams: 8, OutboundStreams: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	client, server := exchange(t, tr, ln, DialOptions{
		LocalAddress:    "127.0.0.1",
		RemoteAddress:   "127.0.0.1",
		RemotePort:      port,
		InboundStreams:  16,
		OutboundStreams: 4,
	})

	if in, out := client.Streams(); in != 2 || out != 4 {
		t.Fatalf("client negotiated in=%d, out=%d", in, out)
	}
	if in, out := server.Streams(); in != 4 || out != 2 {
		t.Fatalf("server negotiated in=%d, out=%d", in, out)
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := server.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF after the peer's close, got %v", err)
	}
	_ = server.Close()
}

func TestTCPDialAddrInUse(t *testing.T) {
	localPort := getRandomPort(t)

	foreign, err := net.Listen("tcp", hostPort("127.0.0.1", localPort))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = foreign.Close() }()

	serverPort := getRandomPort(t)
	tr := NewTCP()
	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: serverPort})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	_, err = tr.Dial(context.Background(), DialOptions{
		LocalAddress:  "127.0.0.1",
		LocalPort:     localPort,
		RemoteAddress: "127.0.0.1",
		RemotePort:    serverPort,
	})
	if err == nil {
		t.Fatal("dial succeeded although the local port is in use")
	} else if !IsAddrInUse(err) {
		t.Fatalf("expected an address in use error, got %v", err)
	}
}

func TestTCPListenerClose(t *testing.T) {
	ln, err := NewTCP().Listen(ListenOptions{Address: "127.0.0.1", Port: getRandomPort(t)})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error)
	go func() {
		_, err := ln.Accept()
		errCh <- err
	}()

	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Accept returned no error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestSCTPExchange(t *testing.T) {
	port := getRandomUDPPort(t)
	tr := NewSCTP()

	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	client, server := exchange(t, tr, ln, DialOptions{
		LocalAddress:  "127.0.0.1",
		RemoteAddress: "127.0.0.1",
		RemotePort:    port,
	})

	if in, out := client.Streams(); in != DefaultStreams || out != DefaultStreams {
		t.Fatalf("client streams in=%d, out=%d", in, out)
	}

	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	closed := make(chan error, 1)
	go func() {
		_, err := server.ReadMessage()
		closed <- err
	}()
	select {
	case err := <-closed:
		if err != io.EOF {
			t.Fatalf("expected io.EOF after the peer's shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer's shutdown was not noticed")
	}
	_ = server.Close()
}

func TestSCTPRequestResponse(t *testing.T) {
	port := getRandomUDPPort(t)
	tr := NewSCTP()

	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	client, server := exchange(t, tr, ln, DialOptions{
		LocalAddress:  "127.0.0.1",
		RemoteAddress: "127.0.0.1",
		RemotePort:    port,
	})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	// Several round trips, each reply on the stream of its request.
	for i, stream := range []uint16{5, 5, 7, 5} {
		req := Message{Data: []byte{byte(i)}, Stream: stream, PayloadProtocolID: 46}
		if err := client.WriteMessage(req); err != nil {
			t.Fatal(err)
		}
		got := readWithin(t, server, 3*time.Second)
		if got.Stream != stream || got.PayloadProtocolID != 46 || !bytes.Equal(got.Data, req.Data) {
			t.Fatalf("request %d: received %v", i, got)
		}

		resp := Message{Data: []byte{byte(i), 0xff}, Stream: got.Stream, PayloadProtocolID: got.PayloadProtocolID}
		if err := server.WriteMessage(resp); err != nil {
			t.Fatal(err)
		}
		if got := readWithin(t, client, 3*time.Second); got.Stream != stream || !bytes.Equal(got.Data, resp.Data) {
			t.Fatalf("response %d: received %v", i, got)
		}
	}
}

func TestTCPListenExtraAddresses(t *testing.T) {
	port := getRandomPort(t)
	tr := NewTCP()

	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: port, ExtraAddresses: []string{"127.0.0.2"}})
	if err != nil {
		t.Fatal(err)
	}

	for _, remote := range []string{"127.0.0.1", "127.0.0.2"} {
		client, server := exchange(t, tr, ln, DialOptions{RemoteAddress: remote, RemotePort: port})
		if ip, _, _ := net.SplitHostPort(server.LocalAddr().String()); ip != remote {
			t.Fatalf("accepted on %v, expected %s", server.LocalAddr(), remote)
		}
		_ = client.Close()
		_ = server.Close()
	}

	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Fatal("closed listener accepted")
	}
	if _, err := net.Dial("tcp", hostPort("127.0.0.2", port)); err == nil {
		t.Fatal("extra address still bound after close")
	}
}

func TestTCPListenExtraAddressInUse(t *testing.T) {
	port := getRandomPort(t)

	foreign, err := net.Listen("tcp", hostPort("127.0.0.2", port))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = foreign.Close() }()

	_, err = NewTCP().Listen(ListenOptions{Address: "127.0.0.1", Port: port, ExtraAddresses: []string{"127.0.0.2"}})
	if !IsAddrInUse(err) {
		t.Fatalf("expected an address in use error, got %v", err)
	}

	// The primary address was released again.
	ln, err := net.Listen("tcp", hostPort("127.0.0.1", port))
	if err != nil {
		t.Fatal(err)
	}
	_ = ln.Close()
}

func TestTCPDialExtraLocalAddress(t *testing.T) {
	localPort := getRandomPort(t)

	foreign, err := net.Listen("tcp", hostPort("127.0.0.1", localPort))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = foreign.Close() }()

	serverPort := getRandomPort(t)
	tr := NewTCP()
	ln, err := tr.Listen(ListenOptions{Address: "127.0.0.1", Port: serverPort})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	client, server := exchange(t, tr, ln, DialOptions{
		LocalAddress:        "127.0.0.1",
		LocalPort:           localPort,
		ExtraLocalAddresses: []string{"127.0.0.2"},
		RemoteAddress:       "127.0.0.1",
		RemotePort:          serverPort,
	})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	if local := client.LocalAddr().String(); local != hostPort("127.0.0.2", localPort) {
		t.Fatalf("dialed from %s, expected the extra local address", local)
	}
}
