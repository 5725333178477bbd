// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

const testConfig = `
[management]
name = "test"
store = "%s"
connect-delay-ms = %d
poll-timeout-ms = 20

[logging]
level = "debug"

[[server]]
name = "srv"
protocol = "tcp"
address = "127.0.0.1"
port = %d
start = %t

[[association]]
name = "srv-assoc"
server = "srv"
protocol = "tcp"
peer-address = "127.0.0.1"
start = %t

[[association]]
name = "cli"
protocol = "tcp"
address = "127.0.0.1"
peer-address = "127.0.0.1"
peer-port = %d
start = %t
`

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

func writeConfig(t *testing.T, filename, store string, delay, port int, start bool) {
	conf := fmt.Sprintf(testConfig, store, delay, port, start, start, port, start)
	if err := os.WriteFile(filename, []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}
}

func waitConnected(t *testing.T, d *daemon) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		sa, err1 := d.mgmt.GetAssociation("srv-assoc")
		cli, err2 := d.mgmt.GetAssociation("cli")
		if err1 == nil && err2 == nil && sa.IsConnected() && cli.IsConnected() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("associations did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "assocd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "assocd.toml")
	store := filepath.Join(dir, "store")
	port := getRandomPort(t)

	writeConfig(t, filename, store, 100, port, true)
	d, err := newDaemon(filename)
	if err != nil {
		t.Fatal(err)
	}
	waitConnected(t, d)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	// Without start flags, the persisted started flags are used.
	writeConfig(t, filename, store, 100, port, false)
	d, err = newDaemon(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	waitConnected(t, d)
}

func TestDaemonReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "assocd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "assocd.toml")
	port := getRandomPort(t)

	writeConfig(t, filename, "", 100, port, false)
	d, err := newDaemon(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	if delay := d.mgmt.ConnectDelay(); delay != 100*time.Millisecond {
		t.Fatalf("connect delay is %v", delay)
	}

	writeConfig(t, filename, "", 1234, port, false)

	deadline := time.Now().Add(3 * time.Second)
	for d.mgmt.ConnectDelay() != 1234*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("connect delay was not reloaded: %v", d.mgmt.ConnectDelay())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonInvalidConfig(t *testing.T) {
	dir, err := os.MkdirTemp("", "assocd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "assocd.toml")
	conf := "[[server]]\nname = \"srv\"\nprotocol = \"udp\"\naddress = \"127.0.0.1\"\nport = 2905\n"
	if err := os.WriteFile(filename, []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := newDaemon(filename); err == nil {
		t.Fatal("unknown protocol was accepted")
	}
}

func TestDaemonLateAssociationListener(t *testing.T) {
	dir, err := os.MkdirTemp("", "assocd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	filename := filepath.Join(dir, "assocd.toml")
	writeConfig(t, filename, "", 100, getRandomPort(t), false)

	hook := logtest.NewGlobal()
	defer hook.Reset()

	d, err := newDaemon(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	// Entities added after the init step, e.g., through the REST API.
	port := getRandomPort(t)
	if _, err := d.mgmt.AddServer("late", "127.0.0.1", port, assoc.TCP, false, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.mgmt.AddServerAssociation("127.0.0.1", 0, "late", "late-srv", assoc.TCP); err != nil {
		t.Fatal(err)
	}
	cli, err := d.mgmt.AddAssociation("127.0.0.1", 0, "127.0.0.1", port, "late-cli", assoc.TCP, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, err := range []error{
		d.mgmt.StartServer("late"),
		d.mgmt.StartAssociation("late-srv"),
		d.mgmt.StartAssociation("late-cli"),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for !cli.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("late association did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := cli.Send(assoc.NewPayloadData([]byte("invalid"), uint16(cli.MaxOutboundStreams()), 0)); err != nil {
		t.Fatal(err)
	}

	logged := func(msg, association string) bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message != msg {
				continue
			}
			if association == "" || entry.Data["association"] == association {
				return true
			}
		}
		return false
	}

	deadline = time.Now().Add(3 * time.Second)
	for !logged("Dropped payload for an invalid stream id", "") {
		if time.Now().After(deadline) {
			t.Fatal("invalid stream id was not reported")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !logged("Communication up", "late-cli") {
		t.Fatal("communication up of the late association was not reported")
	}
}
