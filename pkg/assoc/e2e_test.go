// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"
)

// These tests run over real TCP and SCTP channels on the loopback interface.

func newLoopbackManagement(t *testing.T, connectDelay time.Duration) *Management {
	m := NewManagement(t.Name(), Config{
		ConnectDelay: connectDelay,
		PollTimeout:  20 * time.Millisecond,
	})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

// loopbackPair registers and starts a server with one server association and
// a client association dialing it from localPort.
func loopbackPair(t *testing.T, m *Management, ct IpChannelType, serverPort, localPort int) (sa, ca *Association, srvRec, cliRec *recorder) {
	if _, err := m.AddServer("srv", "127.0.0.1", serverPort, ct, false, 0, nil); err != nil {
		t.Fatal(err)
	}

	var err error
	if sa, err = m.AddServerAssociation("127.0.0.1", localPort, "srv", "srv-assoc", ct); err != nil {
		t.Fatal(err)
	}
	if ca, err = m.AddAssociation("127.0.0.1", localPort, "127.0.0.1", serverPort, "cli", ct, nil); err != nil {
		t.Fatal(err)
	}

	srvRec, cliRec = new(recorder), new(recorder)
	sa.SetListener(srvRec)
	ca.SetListener(cliRec)

	for _, err := range []error{
		m.StartServer("srv"),
		m.StartAssociation("srv-assoc"),
		m.StartAssociation("cli"),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	return
}

func TestTCPAddressInUse(t *testing.T) {
	serverPort, localPort := getRandomPort(t), getRandomPort(t)

	occupant, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = occupant.Close() }()

	m := newLoopbackManagement(t, 200*time.Millisecond)
	sa, ca, srvRec, cliRec := loopbackPair(t, m, TCP, serverPort, localPort)

	time.Sleep(time.Second)
	if srvRec.count("up") != 0 || cliRec.count("up") != 0 {
		t.Fatalf("association came up on an occupied port: %v, %v", srvRec.history(), cliRec.history())
	}
	if ca.IsConnected() {
		t.Fatal("client is connected")
	}

	if err := occupant.Close(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "both associations up", func() bool {
		return sa.IsConnected() && ca.IsConnected()
	})

	if err := m.StopAssociation("cli"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "server side shutdown", func() bool {
		return srvRec.count("shutdown") == 1
	})

	if h := srvRec.history(); len(h) != 2 || h[0] != "up" || h[1] != "shutdown" {
		t.Fatalf("server side history %v", h)
	}
}

func TestTCPModifyPort(t *testing.T) {
	port1, port2 := getRandomPort(t), getRandomPort(t)

	m := newLoopbackManagement(t, 100*time.Millisecond)
	sa, ca, srvRec, cliRec := loopbackPair(t, m, TCP, port1, 0)

	waitFor(t, 3*time.Second, "both associations up", func() bool {
		return sa.IsConnected() && ca.IsConnected()
	})

	for _, err := range []error{
		m.StopAssociation("cli"),
		m.StopAssociation("srv-assoc"),
		m.StopServer("srv"),
		m.ModifyServer("srv", ServerModification{HostPort: intPtr(port2)}),
		m.ModifyAssociation("cli", AssociationModification{PeerPort: intPtr(port2)}),
		m.StartServer("srv"),
		m.StartAssociation("srv-assoc"),
		m.StartAssociation("cli"),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, "both associations up again", func() bool {
		return srvRec.count("up") == 2 && cliRec.count("up") == 2
	})

	data := []byte("moved")
	if err := ca.Send(NewPayloadData(data, 1, 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "payload", func() bool { return len(srvRec.received()) == 1 })
	if pd := srvRec.received()[0]; !bytes.Equal(pd.Data, data) || pd.StreamNumber != 1 {
		t.Fatalf("received %v", pd)
	}

	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port1), time.Second); err == nil {
		_ = conn.Close()
		t.Fatalf("old port %d still accepts connections", port1)
	}
}

func TestTCPCycles(t *testing.T) {
	runCycles(t, TCP, getRandomPort(t))
}

func TestSCTPCycles(t *testing.T) {
	runCycles(t, SCTP, getRandomUDPPort(t))
}

// runCycles stops and restarts the client association several times. Each
// stop has to be seen as a shutdown on both sides.
func runCycles(t *testing.T, ct IpChannelType, serverPort int) {
	const cycles = 5

	m := newLoopbackManagement(t, 100*time.Millisecond)
	_, _, srvRec, cliRec := loopbackPair(t, m, ct, serverPort, 0)

	for i := 1; i <= cycles; i++ {
		waitFor(t, 3*time.Second, "up", func() bool {
			return srvRec.count("up") == i && cliRec.count("up") == i
		})

		if err := m.StopAssociation("cli"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, 3*time.Second, "shutdown", func() bool {
			return srvRec.count("shutdown") == i && cliRec.count("shutdown") == i
		})

		if err := m.StartAssociation("cli"); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, "final up", func() bool {
		return srvRec.count("up") == cycles+1 && cliRec.count("up") == cycles+1
	})

	for name, rec := range map[string]*recorder{"client": cliRec, "server": srvRec} {
		if n := rec.count("lost") + rec.count("restart"); n != 0 {
			t.Fatalf("%s: unexpected callbacks %v", name, rec.history())
		}
	}
}

func TestSCTPPayloadEcho(t *testing.T) {
	m := newLoopbackManagement(t, 100*time.Millisecond)
	sa, ca, srvRec, cliRec := loopbackPair(t, m, SCTP, getRandomUDPPort(t), 0)

	srvRec.mutex.Lock()
	srvRec.echo = true
	srvRec.mutex.Unlock()

	waitFor(t, 3*time.Second, "both associations up", func() bool {
		return sa.IsConnected() && ca.IsConnected()
	})

	sent := []PayloadData{
		NewPayloadData([]byte("first"), 0, 46),
		NewPayloadData([]byte("second"), 3, 46),
		NewPayloadData([]byte("third"), 3, 47),
		NewPayloadData(bytes.Repeat([]byte{0xab}, 4096), 7, 0),
	}
	for _, pd := range sent {
		if err := ca.Send(pd); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 3*time.Second, "echoed payloads", func() bool {
		return len(cliRec.received()) == len(sent)
	})

	// Ordered delivery holds per stream only.
	for _, got := range [][]PayloadData{srvRec.received(), cliRec.received()} {
		for _, pd := range sent {
			if !containsPayload(got, pd) {
				t.Fatalf("%v is missing in %v", pd, got)
			}
		}
		if i, j := indexOfPayload(got, sent[1]), indexOfPayload(got, sent[2]); i > j {
			t.Fatalf("payloads on stream 3 reordered: %v", got)
		}
	}

	if err := m.StopAssociation("cli"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "server side shutdown", func() bool {
		return srvRec.count("shutdown") == 1
	})

	if sa.IsConnected() || sa.ConnectedPeerAddress() != "" {
		t.Fatalf("server association still connected to %q", sa.ConnectedPeerAddress())
	}
	for name, rec := range map[string]*recorder{"client": cliRec, "server": srvRec} {
		if n := rec.count("lost") + rec.count("restart"); n != 0 {
			t.Fatalf("%s: unexpected callbacks %v", name, rec.history())
		}
	}
}

func indexOfPayload(pds []PayloadData, pd PayloadData) int {
	for i, other := range pds {
		if bytes.Equal(other.Data, pd.Data) && other.StreamNumber == pd.StreamNumber &&
			other.PayloadProtocolId == pd.PayloadProtocolId {
			return i
		}
	}
	return -1
}

func containsPayload(pds []PayloadData, pd PayloadData) bool {
	return indexOfPayload(pds, pd) >= 0
}
