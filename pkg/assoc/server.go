// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Server is a named passive endpoint accepting the server side Associations
// bound to it. Its configuration is changed through the Management only.
type Server struct {
	mgmt *Management
	name string

	mutex                    sync.RWMutex
	channelType              IpChannelType
	hostAddress              string
	hostPort                 int
	extraHostAddresses       []string
	acceptAnonymous          bool
	maxConcurrentConnections int
	associations             []string

	// Resolved host and extra addresses, guarded by the registry lock.
	hostIPs []net.IP

	started atomic.Bool
}

// ServerModification selects the fields ModifyServer replaces. Nil fields
// are left untouched.
type ServerModification struct {
	HostAddress              *string
	HostPort                 *int
	ChannelType              *IpChannelType
	AcceptAnonymous          *bool
	MaxConcurrentConnections *int
	ExtraHostAddresses       *[]string
}

func (s *Server) Name() string {
	return s.name
}

func (s *Server) IpChannelType() IpChannelType {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.channelType
}

func (s *Server) HostAddress() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.hostAddress
}

func (s *Server) HostPort() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.hostPort
}

// ExtraHostAddresses are additional local addresses for multi-homing.
func (s *Server) ExtraHostAddresses() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]string(nil), s.extraHostAddresses...)
}

func (s *Server) IsAcceptAnonymousConnections() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.acceptAnonymous
}

// MaxConcurrentConnections limits the anonymous Associations; zero is unlimited.
func (s *Server) MaxConcurrentConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.maxConcurrentConnections
}

// AssociationNames of all Associations bound to this Server, in the order they
// were added.
func (s *Server) AssociationNames() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]string(nil), s.associations...)
}

func (s *Server) IsStarted() bool {
	return s.started.Load()
}

func (s *Server) String() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return fmt.Sprintf("Server(%s, %v://%s, started=%t, associations=%v)",
		s.name, s.channelType, hostPortString(s.hostAddress, s.hostPort), s.started.Load(), s.associations)
}

func (s *Server) bindAssociation(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.associations = append(s.associations, name)
}

func (s *Server) unbindAssociation(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, n := range s.associations {
		if n == name {
			s.associations = append(s.associations[:i], s.associations[i+1:]...)
			return
		}
	}
}
