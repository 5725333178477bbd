// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

const (
	// eventBuffer is the number of events queued per client. Further events
	// are dropped for a slow client.
	eventBuffer = 64

	writeTimeout = 5 * time.Second
)

// EventHub is an assoc.EventListener forwarding each event as a JSON text
// message to all connected WebSocket clients.
type EventHub struct {
	mutex   sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
}

// NewEventHub creates an EventHub. ServeHTTP must be bound to a HTTP endpoint.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:  make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{},
	}
}

// OnEvent queues the event for every client without blocking.
func (hub *EventHub) OnEvent(ev assoc.Event) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for client := range hub.clients {
		select {
		case client.events <- ev:
		default:
			log.WithFields(log.Fields{
				"client": client.conn.RemoteAddr().String(),
				"event":  ev.Kind,
			}).Debug("Dropping event for slow WebSocket client")
		}
	}
}

// ServeHTTP upgrades the request and serves events until the client leaves.
func (hub *EventHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, connErr := hub.upgrader.Upgrade(rw, r, nil)
	if connErr != nil {
		log.WithError(connErr).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := &eventClient{
		conn:   conn,
		events: make(chan assoc.Event, eventBuffer),
		done:   make(chan struct{}),
	}

	hub.mutex.Lock()
	if hub.closed {
		hub.mutex.Unlock()
		_ = conn.Close()
		return
	}
	hub.clients[client] = struct{}{}
	hub.mutex.Unlock()

	log.WithField("client", conn.RemoteAddr().String()).Debug("WebSocket event client connected")

	go client.handleReader()
	client.handleWriter()

	hub.mutex.Lock()
	delete(hub.clients, client)
	hub.mutex.Unlock()

	log.WithField("client", conn.RemoteAddr().String()).Debug("WebSocket event client left")
}

// Clients returns the number of connected clients.
func (hub *EventHub) Clients() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	return len(hub.clients)
}

// Close disconnects all clients and refuses new ones.
func (hub *EventHub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	hub.closed = true
	for client := range hub.clients {
		client.shutdown()
	}
}

type eventClient struct {
	conn   *websocket.Conn
	events chan assoc.Event

	done         chan struct{}
	shutdownOnce sync.Once
}

func (client *eventClient) shutdown() {
	client.shutdownOnce.Do(func() {
		close(client.done)
		_ = client.conn.Close()
	})
}

// handleReader discards inbound messages and notices the client's close.
func (client *eventClient) handleReader() {
	defer client.shutdown()

	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			return
		}
	}
}

func (client *eventClient) handleWriter() {
	defer client.shutdown()

	for {
		select {
		case <-client.done:
			return

		case ev := <-client.events:
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := client.conn.WriteJSON(ev); err != nil {
				log.WithError(err).WithField("client", client.conn.RemoteAddr().String()).
					Debug("Writing event to WebSocket client errored")
				return
			}
		}
	}
}
