// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import "github.com/dtn7/assoc-go/pkg/assoc"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ServerRequest describes a JSON to be POSTed to /servers.
type ServerRequest struct {
	Name                     string              `json:"name"`
	HostAddress              string              `json:"hostAddress"`
	HostPort                 int                 `json:"hostPort"`
	ChannelType              assoc.IpChannelType `json:"channelType"`
	AcceptAnonymous          bool                `json:"acceptAnonymous"`
	MaxConcurrentConnections int                 `json:"maxConcurrentConnections"`
	ExtraHostAddresses       []string            `json:"extraHostAddresses,omitempty"`
}

// ServerModifyRequest describes a JSON to be PATCHed to /servers/{name}.
// Absent fields are left unchanged.
type ServerModifyRequest struct {
	HostAddress              *string              `json:"hostAddress,omitempty"`
	HostPort                 *int                 `json:"hostPort,omitempty"`
	ChannelType              *assoc.IpChannelType `json:"channelType,omitempty"`
	AcceptAnonymous          *bool                `json:"acceptAnonymous,omitempty"`
	MaxConcurrentConnections *int                 `json:"maxConcurrentConnections,omitempty"`
	ExtraHostAddresses       *[]string            `json:"extraHostAddresses,omitempty"`
}

func (req ServerModifyRequest) modification() assoc.ServerModification {
	return assoc.ServerModification{
		HostAddress:              req.HostAddress,
		HostPort:                 req.HostPort,
		ChannelType:              req.ChannelType,
		AcceptAnonymous:          req.AcceptAnonymous,
		MaxConcurrentConnections: req.MaxConcurrentConnections,
		ExtraHostAddresses:       req.ExtraHostAddresses,
	}
}

// AssociationRequest describes a JSON to be POSTed to /associations. A
// request naming a server creates a server association; its host fields are
// ignored.
type AssociationRequest struct {
	Name               string              `json:"name"`
	ServerName         string              `json:"serverName,omitempty"`
	ChannelType        assoc.IpChannelType `json:"channelType"`
	HostAddress        string              `json:"hostAddress,omitempty"`
	HostPort           int                 `json:"hostPort,omitempty"`
	PeerAddress        string              `json:"peerAddress"`
	PeerPort           int                 `json:"peerPort"`
	ExtraHostAddresses []string            `json:"extraHostAddresses,omitempty"`
}

// AssociationModifyRequest describes a JSON to be PATCHed to
// /associations/{name}. Absent fields are left unchanged.
type AssociationModifyRequest struct {
	HostAddress        *string              `json:"hostAddress,omitempty"`
	HostPort           *int                 `json:"hostPort,omitempty"`
	PeerAddress        *string              `json:"peerAddress,omitempty"`
	PeerPort           *int                 `json:"peerPort,omitempty"`
	ChannelType        *assoc.IpChannelType `json:"channelType,omitempty"`
	ExtraHostAddresses *[]string            `json:"extraHostAddresses,omitempty"`
}

func (req AssociationModifyRequest) modification() assoc.AssociationModification {
	return assoc.AssociationModification{
		HostAddress:        req.HostAddress,
		HostPort:           req.HostPort,
		PeerAddress:        req.PeerAddress,
		PeerPort:           req.PeerPort,
		ChannelType:        req.ChannelType,
		ExtraHostAddresses: req.ExtraHostAddresses,
	}
}

// AssociationStatus is returned for GET requests on associations.
type AssociationStatus struct {
	assoc.AssociationRecord

	State           assoc.AssociationState `json:"state"`
	Connected       bool                   `json:"connected"`
	ConnectedPeer   string                 `json:"connectedPeer,omitempty"`
	InboundStreams  int                    `json:"inboundStreams,omitempty"`
	OutboundStreams int                    `json:"outboundStreams,omitempty"`
}

func newAssociationStatus(a *assoc.Association) AssociationStatus {
	status := AssociationStatus{
		AssociationRecord: a.Record(),
		State:             a.State(),
		Connected:         a.IsConnected(),
		ConnectedPeer:     a.ConnectedPeerAddress(),
	}
	if status.Connected {
		status.InboundStreams = a.MaxInboundStreams()
		status.OutboundStreams = a.MaxOutboundStreams()
	}
	return status
}

// SendRequest describes a JSON to be POSTed to /associations/{name}/send.
// Data is base64 encoded.
type SendRequest struct {
	Data              []byte `json:"data"`
	Stream            uint16 `json:"stream"`
	PayloadProtocolId uint32 `json:"ppid"`
	Unordered         bool   `json:"unordered"`
}
