// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recorder is an AssociationListener remembering every callback.
type recorder struct {
	mutex    sync.Mutex
	events   []string
	payloads []PayloadData
	invalid  []PayloadData

	// reply to each inbound payload, if set
	echo bool
}

func (rec *recorder) add(ev string) {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	rec.events = append(rec.events, ev)
}

func (rec *recorder) OnCommunicationUp(_ *Association, _, _ int) { rec.add("up") }
func (rec *recorder) OnCommunicationShutdown(_ *Association)     { rec.add("shutdown") }
func (rec *recorder) OnCommunicationLost(_ *Association)         { rec.add("lost") }
func (rec *recorder) OnCommunicationRestart(_ *Association)      { rec.add("restart") }

func (rec *recorder) OnPayload(a *Association, pd PayloadData) {
	rec.mutex.Lock()
	rec.payloads = append(rec.payloads, pd)
	echo := rec.echo
	rec.mutex.Unlock()

	if echo {
		_ = a.Send(pd)
	}
}

func (rec *recorder) InValidStreamId(pd PayloadData) {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	rec.invalid = append(rec.invalid, pd)
}

func (rec *recorder) count(ev string) (n int) {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	for _, e := range rec.events {
		if e == ev {
			n++
		}
	}
	return
}

func (rec *recorder) history() []string {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	return append([]string(nil), rec.events...)
}

func (rec *recorder) received() []PayloadData {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	return append([]PayloadData(nil), rec.payloads...)
}

func (rec *recorder) invalidStreams() []PayloadData {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	return append([]PayloadData(nil), rec.invalid...)
}

// serverListener hands out recorders for anonymous Associations.
type serverListener struct {
	mutex     sync.Mutex
	reject    bool
	recorders map[string]*recorder
}

func (sl *serverListener) OnNewRemoteConnection(_ *Server, a *Association) AssociationListener {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	if sl.reject {
		return nil
	}
	if sl.recorders == nil {
		sl.recorders = make(map[string]*recorder)
	}
	rec := new(recorder)
	sl.recorders[a.Name()] = rec
	return rec
}

func (sl *serverListener) count() int {
	sl.mutex.Lock()
	defer sl.mutex.Unlock()

	return len(sl.recorders)
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

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

func intPtr(i int) *int { return &i }

func stringPtr(s string) *string { return &s }
