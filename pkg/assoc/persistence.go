// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ServerRecord is the persisted form of a Server.
type ServerRecord struct {
	Name                     string        `json:"name"`
	HostAddress              string        `json:"hostAddress"`
	HostPort                 int           `json:"hostPort"`
	ChannelType              IpChannelType `json:"channelType"`
	AcceptAnonymous          bool          `json:"acceptAnonymous"`
	MaxConcurrentConnections int           `json:"maxConcurrentConnections"`
	ExtraHostAddresses       []string      `json:"extraHostAddresses,omitempty"`
	Associations             []string      `json:"associations,omitempty"`
	Started                  bool          `json:"started"`
}

// AssociationRecord is the persisted form of an Association. Anonymous
// Associations are never recorded.
type AssociationRecord struct {
	Name               string          `json:"name"`
	Type               AssociationType `json:"type"`
	ChannelType        IpChannelType   `json:"channelType"`
	HostAddress        string          `json:"hostAddress,omitempty"`
	HostPort           int             `json:"hostPort,omitempty"`
	PeerAddress        string          `json:"peerAddress"`
	PeerPort           int             `json:"peerPort"`
	ExtraHostAddresses []string        `json:"extraHostAddresses,omitempty"`
	ServerName         string          `json:"serverName,omitempty"`
	Started            bool            `json:"started"`
}

// Persister stores and loads the registry of a Management.
type Persister interface {
	LoadAll() ([]ServerRecord, []AssociationRecord, error)
	SaveAll(servers []ServerRecord, associations []AssociationRecord) error
}

// Record of this Server's current configuration.
func (s *Server) Record() ServerRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec := ServerRecord{
		Name:                     s.name,
		HostAddress:              s.hostAddress,
		HostPort:                 s.hostPort,
		ChannelType:              s.channelType,
		AcceptAnonymous:          s.acceptAnonymous,
		MaxConcurrentConnections: s.maxConcurrentConnections,
		ExtraHostAddresses:       append([]string(nil), s.extraHostAddresses...),
		Associations:             append([]string(nil), s.associations...),
		Started:                  s.started.Load(),
	}
	return rec
}

// Record of this Association's current configuration.
func (a *Association) Record() AssociationRecord {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return AssociationRecord{
		Name:               a.name,
		Type:               a.assocType,
		ChannelType:        a.channelType,
		HostAddress:        a.hostAddress,
		HostPort:           a.hostPort,
		PeerAddress:        a.peerAddress,
		PeerPort:           a.peerPort,
		ExtraHostAddresses: append([]string(nil), a.extraHostAddresses...),
		ServerName:         a.serverName,
		Started:            a.started.Load(),
	}
}

// Snapshot returns records of all Servers and non-anonymous Associations,
// sorted by name.
func (m *Management) Snapshot() ([]ServerRecord, []AssociationRecord) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	servers := make([]ServerRecord, 0, len(m.servers))
	for _, s := range m.servers {
		rec := s.Record()
		bound := rec.Associations[:0]
		for _, n := range rec.Associations {
			if a, ok := m.associations[n]; ok && a.assocType != AnonymousServerSide {
				bound = append(bound, n)
			}
		}
		rec.Associations = bound
		servers = append(servers, rec)
	}

	associations := make([]AssociationRecord, 0, len(m.associations))
	for _, a := range m.associations {
		if a.assocType == AnonymousServerSide {
			continue
		}
		associations = append(associations, a.Record())
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	sort.Slice(associations, func(i, j int) bool { return associations[i].Name < associations[j].Name })
	return servers, associations
}

// Restore replaces the registry by the given records. Every entity is
// restored stopped, regardless of its record's Started flag. The registry is
// left unchanged if a record is invalid or an entity is started.
func (m *Management) Restore(servers []ServerRecord, associations []AssociationRecord) error {
	newServers := make(map[string]*Server, len(servers))
	for _, rec := range servers {
		var v validator
		v.name("server name", rec.Name)
		v.address("host address", rec.HostAddress)
		v.port("host port", rec.HostPort, false)
		v.channelType(rec.ChannelType)
		v.nonNegative("max concurrent connections", rec.MaxConcurrentConnections)
		v.addresses("extra host address", rec.ExtraHostAddresses)
		if err := v.err(); err != nil {
			return fmt.Errorf("restoring server %q: %w", rec.Name, err)
		}
		if _, ok := newServers[rec.Name]; ok {
			return fmt.Errorf("restoring server: %w: %q", ErrDuplicateName, rec.Name)
		}

		hostIPs, err := resolveHosts(rec.HostAddress, rec.ExtraHostAddresses)
		if err != nil {
			return fmt.Errorf("restoring server %q: %w", rec.Name, err)
		}

		newServers[rec.Name] = &Server{
			mgmt:                     m,
			name:                     rec.Name,
			channelType:              rec.ChannelType,
			hostAddress:              rec.HostAddress,
			hostPort:                 rec.HostPort,
			extraHostAddresses:       append([]string(nil), rec.ExtraHostAddresses...),
			hostIPs:                  hostIPs,
			acceptAnonymous:          rec.AcceptAnonymous,
			maxConcurrentConnections: rec.MaxConcurrentConnections,
		}
	}

	newAssociations := make(map[string]*Association, len(associations))
	for _, rec := range associations {
		if rec.Type == AnonymousServerSide {
			continue
		}

		a, err := m.restoreAssociation(rec, newServers)
		if err != nil {
			return fmt.Errorf("restoring association %q: %w", rec.Name, err)
		}
		if _, ok := newAssociations[rec.Name]; ok {
			return fmt.Errorf("restoring association: %w: %q", ErrDuplicateName, rec.Name)
		}
		newAssociations[rec.Name] = a
	}

	// Bound associations keep the order of their server's record.
	for _, rec := range servers {
		s := newServers[rec.Name]
		for _, n := range rec.Associations {
			if a, ok := newAssociations[n]; ok && a.serverName == s.name {
				s.associations = append(s.associations, n)
			}
		}
	}
	for _, a := range newAssociations {
		if a.assocType != ServerSide {
			continue
		}
		if s := newServers[a.serverName]; !containsString(s.associations, a.name) {
			s.associations = append(s.associations, a.name)
		}
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, s := range m.servers {
		if s.IsStarted() {
			return fmt.Errorf("%w: server %q", ErrStillStarted, s.name)
		}
	}
	for _, a := range m.associations {
		if a.IsStarted() {
			return fmt.Errorf("%w: association %q", ErrStillStarted, a.name)
		}
	}

	m.servers, m.associations = newServers, newAssociations

	log.WithFields(log.Fields{
		"management":   m.name,
		"servers":      len(newServers),
		"associations": len(newAssociations),
	}).Info("Restored registry")
	return nil
}

func (m *Management) restoreAssociation(rec AssociationRecord, servers map[string]*Server) (*Association, error) {
	var v validator
	v.name("association name", rec.Name)
	v.address("peer address", rec.PeerAddress)
	v.channelType(rec.ChannelType)

	switch rec.Type {
	case Client:
		v.address("host address", rec.HostAddress)
		v.port("host port", rec.HostPort, true)
		v.port("peer port", rec.PeerPort, false)
		v.addresses("extra host address", rec.ExtraHostAddresses)
	case ServerSide:
		v.port("peer port", rec.PeerPort, true)
	default:
		v.fail("unknown association type %d", int(rec.Type))
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	a := newAssociation(m, rec.Name, rec.Type)
	a.channelType = rec.ChannelType
	a.hostAddress = rec.HostAddress
	a.hostPort = rec.HostPort
	a.peerAddress = rec.PeerAddress
	a.peerPort = rec.PeerPort
	a.extraHostAddresses = append([]string(nil), rec.ExtraHostAddresses...)

	if rec.Type == ServerSide {
		s, ok := servers[rec.ServerName]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownServer, rec.ServerName)
		} else if s.channelType != rec.ChannelType {
			return nil, fmt.Errorf("%w: channel type %v differs from server %q's %v",
				ErrValidation, rec.ChannelType, s.name, s.channelType)
		}

		peerIPs, err := resolveHost(rec.PeerAddress)
		if err != nil {
			return nil, err
		}

		a.serverName = rec.ServerName
		a.peerIPs = peerIPs
	}

	return a, nil
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
