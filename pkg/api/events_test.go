// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

func TestEventHub(t *testing.T) {
	mgmt, _, srv, ra := setupAPI(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitFor(t, 2*time.Second, "registered client", func() bool { return ra.events.Clients() == 1 })

	if _, err := mgmt.AddServer("srv", "127.0.0.1", 2905, assoc.TCP, false, 0, nil); err != nil {
		t.Fatal(err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var ev assoc.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != assoc.EventServerAdded || ev.Server != "srv" {
		t.Fatalf("unexpected event %v", ev)
	}

	ra.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection survived closing the hub")
	}
}

func TestEventHubClose(t *testing.T) {
	hub := NewEventHub()
	hub.OnEvent(assoc.Event{Kind: assoc.EventManagementStarted})
	hub.Close()

	if n := hub.Clients(); n != 0 {
		t.Fatalf("%d clients after close", n)
	}
}
