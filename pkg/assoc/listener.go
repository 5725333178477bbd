// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import "time"

// AssociationListener receives the state transitions and inbound messages of
// an Association. Every method is called from a reactor goroutine and must
// return quickly; sending on the Association from within a callback is fine.
type AssociationListener interface {
	// OnCommunicationUp is called once the Association became connected.
	OnCommunicationUp(a *Association, maxInboundStreams, maxOutboundStreams int)

	// OnCommunicationShutdown is called after a connected Association was
	// stopped or closed cleanly by its peer.
	OnCommunicationShutdown(a *Association)

	// OnCommunicationLost is called after a connected Association failed.
	OnCommunicationLost(a *Association)

	// OnCommunicationRestart is called if the peer of a connected server side
	// Association reconnected before the old channel reported its failure.
	OnCommunicationRestart(a *Association)

	// OnPayload delivers an inbound message.
	OnPayload(a *Association, pd PayloadData)

	// InValidStreamId reports a sent message whose stream exceeds the
	// negotiated outbound streams. The message was not written.
	InValidStreamId(pd PayloadData)
}

// ServerListener decides about inbound connections which do not match any
// configured server side Association of a Server accepting anonymous peers.
type ServerListener interface {
	// OnNewRemoteConnection returns the listener for the new anonymous
	// Association or nil to reject the connection.
	OnNewRemoteConnection(s *Server, a *Association) AssociationListener
}

// EventKind names a change of the Management's registry or of an entity's state.
type EventKind string

const (
	EventManagementStarted   EventKind = "management-started"
	EventManagementStopped   EventKind = "management-stopped"
	EventServerAdded         EventKind = "server-added"
	EventServerRemoved       EventKind = "server-removed"
	EventServerModified      EventKind = "server-modified"
	EventServerStarted       EventKind = "server-started"
	EventServerStopped       EventKind = "server-stopped"
	EventAssociationAdded    EventKind = "association-added"
	EventAssociationRemoved  EventKind = "association-removed"
	EventAssociationModified EventKind = "association-modified"
	EventAssociationStarted  EventKind = "association-started"
	EventAssociationStopped  EventKind = "association-stopped"
	EventAssociationUp       EventKind = "association-up"
	EventAssociationDown     EventKind = "association-down"
)

// Event is passed to each EventListener of a Management.
type Event struct {
	Kind        EventKind `json:"kind"`
	Server      string    `json:"server,omitempty"`
	Association string    `json:"association,omitempty"`
	Time        time.Time `json:"time"`
}

// EventListener observes a Management. OnEvent is called synchronously, either
// from the goroutine of the operation or from a reactor, and must not block.
type EventListener interface {
	OnEvent(ev Event)
}
