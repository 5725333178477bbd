// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

const (
	DefaultConnectDelay = 5 * time.Second
	DefaultPollTimeout  = 100 * time.Millisecond
)

// Config of a Management. The zero value is usable.
type Config struct {
	// ConnectDelay between two connect attempts of a client Association and
	// two bind attempts of a Server whose address was in use.
	ConnectDelay time.Duration

	// Workers is the amount of reactors. One, the default, is the single
	// thread mode.
	Workers int

	// PollTimeout bounds a reactor's wait for events.
	PollTimeout time.Duration

	// MaxInboundStreams and MaxOutboundStreams are the local stream limits
	// announced to each peer.
	MaxInboundStreams  int
	MaxOutboundStreams int

	// Persister stores the registry after each change and restores it on Start.
	Persister Persister

	// DefaultListener receives the callbacks of each Association without a
	// listener of its own, including those added after the Management started.
	DefaultListener AssociationListener

	// ServerListener accepts anonymous Associations. Without one, Servers
	// reject all unknown peers.
	ServerListener ServerListener

	// Transports per channel type. Missing ones are TCP and SCTP.
	Transports map[IpChannelType]transport.Transport

	// Registerer for the prometheus metrics; nil disables their registration.
	Registerer prometheus.Registerer
}

// Management is the registry of Servers and Associations. Its methods are safe
// for concurrent use, but must not be called from listener callbacks if they
// wait for a reactor, i.e., Start and Stop.
type Management struct {
	name    string
	cfg     Config
	metrics *metrics

	connectDelay atomic.Int64
	started      atomic.Bool
	startMutex   sync.Mutex
	saveMutex    sync.Mutex

	mutex        sync.RWMutex
	servers      map[string]*Server
	associations map[string]*Association

	reactorsMutex sync.RWMutex
	reactors      []*reactor

	listenersMutex sync.RWMutex
	listeners      []EventListener
}

// NewManagement creates a stopped Management.
func NewManagement(name string, cfg Config) *Management {
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = DefaultConnectDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxInboundStreams <= 0 {
		cfg.MaxInboundStreams = transport.DefaultStreams
	}
	if cfg.MaxOutboundStreams <= 0 {
		cfg.MaxOutboundStreams = transport.DefaultStreams
	}

	transports := map[IpChannelType]transport.Transport{
		TCP:  transport.NewTCP(),
		SCTP: transport.NewSCTP(),
	}
	for ct, tr := range cfg.Transports {
		transports[ct] = tr
	}
	cfg.Transports = transports

	m := &Management{
		name:         name,
		cfg:          cfg,
		metrics:      newMetrics(name, cfg.Registerer),
		servers:      make(map[string]*Server),
		associations: make(map[string]*Association),
	}
	m.connectDelay.Store(int64(cfg.ConnectDelay))

	return m
}

func (m *Management) Name() string {
	return m.name
}

func (m *Management) IsStarted() bool {
	return m.started.Load()
}

// ConnectDelay between two connect attempts.
func (m *Management) ConnectDelay() time.Duration {
	return time.Duration(m.connectDelay.Load())
}

// SetConnectDelay takes effect at the next reconnect sweep.
func (m *Management) SetConnectDelay(delay time.Duration) {
	if delay <= 0 {
		delay = DefaultConnectDelay
	}
	m.connectDelay.Store(int64(delay))
}

// AddEventListener registers an observer of registry and state changes.
func (m *Management) AddEventListener(l EventListener) {
	m.listenersMutex.Lock()
	defer m.listenersMutex.Unlock()

	m.listeners = append(m.listeners, l)
}

func (m *Management) RemoveEventListener(l EventListener) {
	m.listenersMutex.Lock()
	defer m.listenersMutex.Unlock()

	for i, other := range m.listeners {
		if other == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Management) emit(ev Event) {
	ev.Time = time.Now()

	m.listenersMutex.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.listenersMutex.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

// Start restores the persisted registry, if a Persister is configured, and
// starts the reactors. No Server or Association is started.
func (m *Management) Start() error {
	m.startMutex.Lock()
	defer m.startMutex.Unlock()

	if m.started.Load() {
		return nil
	}

	if m.cfg.Persister != nil {
		servers, associations, err := m.cfg.Persister.LoadAll()
		if err != nil {
			return fmt.Errorf("%w: loading persisted registry: %v", ErrIOFailure, err)
		}
		if err := m.Restore(servers, associations); err != nil {
			return err
		}
	}

	reactors := make([]*reactor, m.cfg.Workers)
	for i := range reactors {
		reactors[i] = newReactor(i, m)
		reactors[i].start()
	}

	m.reactorsMutex.Lock()
	m.reactors = reactors
	m.reactorsMutex.Unlock()

	m.started.Store(true)

	log.WithFields(log.Fields{
		"management":    m.name,
		"workers":       m.cfg.Workers,
		"connect delay": m.ConnectDelay(),
	}).Info("Management started")
	m.emit(Event{Kind: EventManagementStarted})

	return nil
}

// Stop persists the registry, closes every channel and stops the reactors.
// All Servers and Associations are stopped afterwards; the persisted records
// keep their previous started flag for an init step of the next run.
func (m *Management) Stop() error {
	m.startMutex.Lock()
	defer m.startMutex.Unlock()

	if !m.started.Load() {
		return nil
	}

	m.save()
	m.started.Store(false)

	m.mutex.Lock()
	for _, a := range m.associations {
		if a.started.CompareAndSwap(true, false) {
			m.enqueue(m.reactorFor(a), ChangeRequest{Kind: ChangeClose, Association: a})
		}
	}
	for _, s := range m.servers {
		if s.started.CompareAndSwap(true, false) {
			m.enqueue(m.reactorByKey(s.name), ChangeRequest{Kind: ChangeClose, Server: s})
		}
	}
	m.mutex.Unlock()

	m.reactorsMutex.Lock()
	reactors := m.reactors
	m.reactors = nil
	m.reactorsMutex.Unlock()

	for _, r := range reactors {
		r.stop()
	}

	log.WithField("management", m.name).Info("Management stopped")
	m.emit(Event{Kind: EventManagementStopped})

	return nil
}

func (m *Management) enqueue(r *reactor, cr ChangeRequest) {
	if r == nil {
		log.WithFields(log.Fields{
			"management": m.name,
			"change":     cr,
		}).Debug("Dropping change request, no reactor is running")
		return
	}
	r.changes.Add(cr)
}

// reactorByKey picks the reactor of a shard. Servers and their Associations
// share the Server's name as key, client Associations use their own name.
func (m *Management) reactorByKey(key string) *reactor {
	m.reactorsMutex.RLock()
	defer m.reactorsMutex.RUnlock()

	switch len(m.reactors) {
	case 0:
		return nil
	case 1:
		return m.reactors[0]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.reactors[h.Sum32()%uint32(len(m.reactors))]
}

func (m *Management) reactorFor(a *Association) *reactor {
	if a.assocType == Client {
		return m.reactorByKey(a.name)
	}
	return m.reactorByKey(a.ServerName())
}

func (m *Management) transport(ct IpChannelType) (transport.Transport, error) {
	if tr, ok := m.cfg.Transports[ct]; ok && tr != nil {
		return tr, nil
	}
	return nil, fmt.Errorf("%w: no transport for channel type %v", ErrValidation, ct)
}

func (m *Management) listen(s *Server) (transport.Listener, error) {
	tr, err := m.transport(s.IpChannelType())
	if err != nil {
		return nil, err
	}

	return tr.Listen(transport.ListenOptions{
		Address:         s.HostAddress(),
		Port:            s.HostPort(),
		ExtraAddresses:  s.ExtraHostAddresses(),
		InboundStreams:  m.cfg.MaxInboundStreams,
		OutboundStreams: m.cfg.MaxOutboundStreams,
	})
}

// save the registry through the Persister. A failure is logged; the change
// itself already took place.
func (m *Management) save() {
	if m.cfg.Persister == nil {
		return
	}

	m.saveMutex.Lock()
	defer m.saveMutex.Unlock()

	servers, associations := m.Snapshot()
	if err := m.cfg.Persister.SaveAll(servers, associations); err != nil {
		log.WithFields(log.Fields{
			"management": m.name,
			"error":      err,
		}).Warn("Persisting registry failed")
	}
}

// GetServer by its name.
func (m *Management) GetServer(name string) (*Server, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if s, ok := m.servers[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
}

// GetAssociation by its name.
func (m *Management) GetAssociation(name string) (*Association, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if a, ok := m.associations[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAssociation, name)
}

// Servers sorted by their names.
func (m *Management) Servers() []*Server {
	m.mutex.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mutex.RUnlock()

	sort.Slice(servers, func(i, j int) bool { return servers[i].name < servers[j].name })
	return servers
}

// Associations sorted by their names.
func (m *Management) Associations() []*Association {
	m.mutex.RLock()
	associations := make([]*Association, 0, len(m.associations))
	for _, a := range m.associations {
		associations = append(associations, a)
	}
	m.mutex.RUnlock()

	sort.Slice(associations, func(i, j int) bool { return associations[i].name < associations[j].name })
	return associations
}

// AddServer creates a stopped Server.
func (m *Management) AddServer(name, hostAddress string, port int, channelType IpChannelType,
	acceptAnonymous bool, maxConcurrentConnections int, extraHostAddresses []string) (*Server, error) {
	var v validator
	v.name("server name", name)
	v.address("host address", hostAddress)
	v.port("host port", port, false)
	v.channelType(channelType)
	v.nonNegative("max concurrent connections", maxConcurrentConnections)
	v.addresses("extra host address", extraHostAddresses)
	if err := v.err(); err != nil {
		return nil, err
	}

	hostIPs, err := resolveHosts(hostAddress, extraHostAddresses)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	if _, ok := m.servers[name]; ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: server %q", ErrDuplicateName, name)
	}
	if other := m.serverAt(hostIPs, port, ""); other != nil {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s is used by server %q",
			ErrDuplicateAddressPort, hostPortString(hostAddress, port), other.name)
	}

	s := &Server{
		mgmt:                     m,
		name:                     name,
		channelType:              channelType,
		hostAddress:              hostAddress,
		hostPort:                 port,
		extraHostAddresses:       append([]string(nil), extraHostAddresses...),
		hostIPs:                  hostIPs,
		acceptAnonymous:          acceptAnonymous,
		maxConcurrentConnections: maxConcurrentConnections,
	}
	m.servers[name] = s
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "server": s}).Info("Added server")
	m.emit(Event{Kind: EventServerAdded, Server: name})

	return s, nil
}

// serverAt finds another Server whose bound addresses overlap on the same
// port. Addresses are compared resolved, a wildcard address overlaps with
// every other. The caller holds the registry lock.
func (m *Management) serverAt(hostIPs []net.IP, port int, except string) *Server {
	for _, s := range m.servers {
		if s.name != except && s.hostPort == port && bindOverlap(s.hostIPs, hostIPs) {
			return s
		}
	}
	return nil
}

// AddAssociation creates a stopped client Association dialing its peer. A
// host port of zero picks an ephemeral local port.
func (m *Management) AddAssociation(hostAddress string, hostPort int, peerAddress string, peerPort int,
	name string, channelType IpChannelType, extraHostAddresses []string) (*Association, error) {
	var v validator
	v.name("association name", name)
	v.address("host address", hostAddress)
	v.port("host port", hostPort, true)
	v.address("peer address", peerAddress)
	v.port("peer port", peerPort, false)
	v.channelType(channelType)
	v.addresses("extra host address", extraHostAddresses)
	if err := v.err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	if _, ok := m.associations[name]; ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: association %q", ErrDuplicateName, name)
	}
	if other := m.clientAt(hostAddress, hostPort, ""); other != nil {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s is used by association %q",
			ErrDuplicateAddressPort, hostPortString(hostAddress, hostPort), other.name)
	}

	a := newAssociation(m, name, Client)
	a.channelType = channelType
	a.hostAddress = hostAddress
	a.hostPort = hostPort
	a.peerAddress = peerAddress
	a.peerPort = peerPort
	a.extraHostAddresses = append([]string(nil), extraHostAddresses...)
	m.associations[name] = a
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": a}).Info("Added association")
	m.emit(Event{Kind: EventAssociationAdded, Association: name})

	return a, nil
}

// clientAt finds another client Association bound to the same non-ephemeral
// local address and port. The caller holds the registry lock.
func (m *Management) clientAt(hostAddress string, hostPort int, except string) *Association {
	if hostPort == 0 {
		return nil
	}
	for _, a := range m.associations {
		if a.name != except && a.assocType == Client && a.hostAddress == hostAddress && a.hostPort == hostPort {
			return a
		}
	}
	return nil
}

// AddServerAssociation creates a stopped Association accepted by an existing
// Server. A peer port of zero accepts any source port of the peer address.
func (m *Management) AddServerAssociation(peerAddress string, peerPort int, serverName, name string,
	channelType IpChannelType) (*Association, error) {
	var v validator
	v.name("association name", name)
	v.address("peer address", peerAddress)
	v.port("peer port", peerPort, true)
	v.channelType(channelType)
	if err := v.err(); err != nil {
		return nil, err
	}

	peerIPs, err := resolveHost(peerAddress)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	s, ok := m.servers[serverName]
	if !ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverName)
	}
	if s.channelType != channelType {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: channel type %v differs from server %q's %v",
			ErrValidation, channelType, serverName, s.channelType)
	}
	if _, ok := m.associations[name]; ok {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: association %q", ErrDuplicateName, name)
	}
	if other := m.peerAt(s, peerIPs, peerPort, ""); other != nil {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: peer %s of server %q is used by association %q",
			ErrDuplicateAddressPort, hostPortString(peerAddress, peerPort), serverName, other.name)
	}

	a := newAssociation(m, name, ServerSide)
	a.channelType = channelType
	a.peerAddress = peerAddress
	a.peerPort = peerPort
	a.peerIPs = peerIPs
	a.serverName = serverName
	m.associations[name] = a
	s.bindAssociation(name)
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": a}).Info("Added server association")
	m.emit(Event{Kind: EventAssociationAdded, Association: name, Server: serverName})

	return a, nil
}

// peerAt finds another Association of a Server whose peer overlaps. A port of
// zero overlaps with every port. The caller holds the registry lock.
func (m *Management) peerAt(s *Server, peerIPs []net.IP, peerPort int, except string) *Association {
	for _, n := range s.associations {
		a, ok := m.associations[n]
		if !ok || a.name == except || a.assocType != ServerSide {
			continue
		}
		if (a.peerPort == 0 || peerPort == 0 || a.peerPort == peerPort) && ipsOverlap(a.peerIPs, peerIPs) {
			return a
		}
	}
	return nil
}

// addAnonymousAssociation registers an Association for an unknown peer of a
// Server. It is called by the reactor.
func (m *Management) addAnonymousAssociation(s *Server, remote net.Addr) (*Association, error) {
	ip, port, ok := splitAddr(remote)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported remote address %v", ErrValidation, remote)
	}

	a := newAssociation(m, s.name+"-"+uuid.NewString(), AnonymousServerSide)
	a.channelType = s.IpChannelType()
	a.peerAddress = ip.String()
	a.peerPort = port
	a.peerIPs = []net.IP{ip}
	a.serverName = s.name

	m.mutex.Lock()
	if cur, ok := m.servers[s.name]; !ok || cur != s {
		m.mutex.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, s.name)
	}
	m.associations[a.name] = a
	s.bindAssociation(a.name)
	m.mutex.Unlock()

	log.WithFields(log.Fields{"management": m.name, "association": a}).Info("Added anonymous association")
	m.emit(Event{Kind: EventAssociationAdded, Association: a.name, Server: s.name})

	return a, nil
}

func (m *Management) removeAnonymousAssociation(a *Association) {
	m.mutex.Lock()
	if cur, ok := m.associations[a.name]; !ok || cur != a {
		m.mutex.Unlock()
		return
	}
	delete(m.associations, a.name)
	if s, ok := m.servers[a.ServerName()]; ok {
		s.unbindAssociation(a.name)
	}
	m.mutex.Unlock()

	log.WithFields(log.Fields{"management": m.name, "association": a.name}).Info("Removed anonymous association")
	m.emit(Event{Kind: EventAssociationRemoved, Association: a.name, Server: a.ServerName()})
}

// matchServerAssociation finds the pre-registered Association of a Server for
// an inbound connection's remote address.
func (m *Management) matchServerAssociation(s *Server, remote net.Addr) *Association {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, n := range s.AssociationNames() {
		if a, ok := m.associations[n]; ok && a.assocType == ServerSide && a.matchesPeer(remote) {
			return a
		}
	}
	return nil
}

// RemoveAssociation removes a stopped Association.
func (m *Management) RemoveAssociation(name string) error {
	m.mutex.Lock()
	a, ok := m.associations[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAssociation, name)
	}
	if a.IsStarted() {
		m.mutex.Unlock()
		return fmt.Errorf("%w: association %q", ErrStillStarted, name)
	}

	delete(m.associations, name)
	if s, ok := m.servers[a.serverName]; ok {
		s.unbindAssociation(name)
	}
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": name}).Info("Removed association")
	m.emit(Event{Kind: EventAssociationRemoved, Association: name, Server: a.serverName})

	return nil
}

// RemoveServer removes a stopped Server together with its stopped
// Associations. Nothing is removed if one of them is still started.
func (m *Management) RemoveServer(name string) error {
	m.mutex.Lock()
	s, ok := m.servers[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if s.IsStarted() {
		m.mutex.Unlock()
		return fmt.Errorf("%w: server %q", ErrStillStarted, name)
	}

	bound := s.AssociationNames()
	for _, n := range bound {
		if a, ok := m.associations[n]; ok && a.IsStarted() {
			m.mutex.Unlock()
			return fmt.Errorf("%w: association %q of server %q", ErrAssociationsStillStarted, n, name)
		}
	}

	for _, n := range bound {
		delete(m.associations, n)
		s.unbindAssociation(n)
	}
	delete(m.servers, name)
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{
		"management":   m.name,
		"server":       name,
		"associations": bound,
	}).Info("Removed server")
	for _, n := range bound {
		m.emit(Event{Kind: EventAssociationRemoved, Association: n, Server: name})
	}
	m.emit(Event{Kind: EventServerRemoved, Server: name})

	return nil
}

// ModifyServer replaces the selected fields of a stopped Server. The changes
// take effect on its next start.
func (m *Management) ModifyServer(name string, mod ServerModification) error {
	// Lookups happen before taking the registry lock.
	var hostIPs []net.IP
	if mod.HostAddress != nil || mod.ExtraHostAddresses != nil {
		cur, err := m.GetServer(name)
		if err != nil {
			return err
		}

		hostAddress, extra := cur.HostAddress(), cur.ExtraHostAddresses()
		if mod.HostAddress != nil {
			hostAddress = *mod.HostAddress
		}
		if mod.ExtraHostAddresses != nil {
			extra = *mod.ExtraHostAddresses
		}

		var v validator
		v.address("host address", hostAddress)
		v.addresses("extra host address", extra)
		if err := v.err(); err != nil {
			return err
		}
		if hostIPs, err = resolveHosts(hostAddress, extra); err != nil {
			return err
		}
	}

	s, err := m.modifyServer(name, mod, hostIPs)
	if err != nil {
		return err
	}

	m.save()
	log.WithFields(log.Fields{"management": m.name, "server": s}).Info("Modified server")
	m.emit(Event{Kind: EventServerModified, Server: name})

	return nil
}

func (m *Management) modifyServer(name string, mod ServerModification, hostIPs []net.IP) (*Server, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if s.IsStarted() {
		return nil, fmt.Errorf("%w: server %q", ErrMustBeStopped, name)
	}

	s.mutex.RLock()
	hostAddress, hostPort, channelType := s.hostAddress, s.hostPort, s.channelType
	acceptAnonymous, maxConcurrent := s.acceptAnonymous, s.maxConcurrentConnections
	extra := s.extraHostAddresses
	s.mutex.RUnlock()

	if mod.HostAddress != nil {
		hostAddress = *mod.HostAddress
	}
	if mod.HostPort != nil {
		hostPort = *mod.HostPort
	}
	if mod.ChannelType != nil {
		channelType = *mod.ChannelType
	}
	if mod.AcceptAnonymous != nil {
		acceptAnonymous = *mod.AcceptAnonymous
	}
	if mod.MaxConcurrentConnections != nil {
		maxConcurrent = *mod.MaxConcurrentConnections
	}
	if mod.ExtraHostAddresses != nil {
		extra = append([]string(nil), (*mod.ExtraHostAddresses)...)
	}

	var v validator
	v.address("host address", hostAddress)
	v.port("host port", hostPort, false)
	v.channelType(channelType)
	v.nonNegative("max concurrent connections", maxConcurrent)
	v.addresses("extra host address", extra)
	if err := v.err(); err != nil {
		return nil, err
	}

	endpointChanged := hostAddress != s.hostAddress || hostPort != s.hostPort || channelType != s.channelType
	for _, n := range s.associations {
		a, ok := m.associations[n]
		if !ok {
			continue
		}
		if endpointChanged && a.IsStarted() {
			return nil, fmt.Errorf("%w: association %q of server %q", ErrAssociationsStillStarted, n, name)
		}
		if a.channelType != channelType {
			return nil, fmt.Errorf("%w: association %q of server %q uses channel type %v",
				ErrValidation, n, name, a.channelType)
		}
	}

	if hostIPs == nil {
		hostIPs = s.hostIPs
	}
	if other := m.serverAt(hostIPs, hostPort, name); other != nil {
		return nil, fmt.Errorf("%w: %s is used by server %q",
			ErrDuplicateAddressPort, hostPortString(hostAddress, hostPort), other.name)
	}

	s.mutex.Lock()
	s.hostAddress, s.hostPort, s.channelType = hostAddress, hostPort, channelType
	s.acceptAnonymous, s.maxConcurrentConnections = acceptAnonymous, maxConcurrent
	s.extraHostAddresses = extra
	s.mutex.Unlock()
	s.hostIPs = hostIPs

	return s, nil
}

// ModifyAssociation replaces the selected fields of a stopped Association.
// The changes take effect on its next start.
func (m *Management) ModifyAssociation(name string, mod AssociationModification) error {
	a, err := m.GetAssociation(name)
	if err != nil {
		return err
	}

	// Lookups happen before taking the registry lock.
	var peerIPs []net.IP
	if mod.PeerAddress != nil && a.assocType != Client {
		var v validator
		v.address("peer address", *mod.PeerAddress)
		if err := v.err(); err != nil {
			return err
		}
		if peerIPs, err = resolveHost(*mod.PeerAddress); err != nil {
			return err
		}
	}

	if err := m.modifyAssociation(a, mod, peerIPs); err != nil {
		return err
	}

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": a}).Info("Modified association")
	m.emit(Event{Kind: EventAssociationModified, Association: name, Server: a.ServerName()})

	return nil
}

func (m *Management) modifyAssociation(a *Association, mod AssociationModification, peerIPs []net.IP) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if cur, ok := m.associations[a.name]; !ok || cur != a {
		return fmt.Errorf("%w: %q", ErrUnknownAssociation, a.name)
	}
	if a.IsStarted() {
		return fmt.Errorf("%w: association %q", ErrMustBeStopped, a.name)
	}
	if a.assocType == AnonymousServerSide {
		return fmt.Errorf("%w: anonymous association %q cannot be modified", ErrValidation, a.name)
	}

	hostAddress, hostPort := a.hostAddress, a.hostPort
	peerAddress, peerPort := a.peerAddress, a.peerPort
	channelType, extra := a.channelType, a.extraHostAddresses

	if mod.HostAddress != nil {
		hostAddress = *mod.HostAddress
	}
	if mod.HostPort != nil {
		hostPort = *mod.HostPort
	}
	if mod.PeerAddress != nil {
		peerAddress = *mod.PeerAddress
	}
	if mod.PeerPort != nil {
		peerPort = *mod.PeerPort
	}
	if mod.ChannelType != nil {
		channelType = *mod.ChannelType
	}
	if mod.ExtraHostAddresses != nil {
		extra = append([]string(nil), (*mod.ExtraHostAddresses)...)
	}

	var v validator
	v.address("peer address", peerAddress)
	v.channelType(channelType)
	if a.assocType == Client {
		v.address("host address", hostAddress)
		v.port("host port", hostPort, true)
		v.port("peer port", peerPort, false)
		v.addresses("extra host address", extra)
	} else {
		v.port("peer port", peerPort, true)
		if mod.HostAddress != nil || mod.HostPort != nil || mod.ExtraHostAddresses != nil {
			v.fail("server association %q uses the host endpoint of server %q", a.name, a.serverName)
		}
	}
	if err := v.err(); err != nil {
		return err
	}

	if a.assocType == Client {
		if other := m.clientAt(hostAddress, hostPort, a.name); other != nil {
			return fmt.Errorf("%w: %s is used by association %q",
				ErrDuplicateAddressPort, hostPortString(hostAddress, hostPort), other.name)
		}
	} else {
		s, ok := m.servers[a.serverName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownServer, a.serverName)
		}
		if channelType != s.channelType {
			return fmt.Errorf("%w: channel type %v differs from server %q's %v",
				ErrValidation, channelType, s.name, s.channelType)
		}
		if peerIPs == nil {
			peerIPs = a.peerIPs
		}
		if other := m.peerAt(s, peerIPs, peerPort, a.name); other != nil {
			return fmt.Errorf("%w: peer %s of server %q is used by association %q",
				ErrDuplicateAddressPort, hostPortString(peerAddress, peerPort), s.name, other.name)
		}
	}

	a.mutex.Lock()
	a.hostAddress, a.hostPort = hostAddress, hostPort
	a.peerAddress, a.peerPort = peerAddress, peerPort
	a.channelType, a.extraHostAddresses = channelType, extra
	if peerIPs != nil {
		a.peerIPs = peerIPs
	}
	a.mutex.Unlock()

	return nil
}

// StartServer binds a fresh listener for the Server and hands it to its
// reactor. If the address is in use, the reactor retries binding after each
// connect delay; any other bind error is returned.
func (m *Management) StartServer(name string) error {
	if !m.IsStarted() {
		return ErrManagementNotStarted
	}

	m.mutex.Lock()
	s, ok := m.servers[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if s.IsStarted() {
		m.mutex.Unlock()
		return nil
	}

	ln, err := m.listen(s)
	if err != nil && !transport.IsAddrInUse(err) {
		m.mutex.Unlock()
		return fmt.Errorf("%w: binding server %q: %v", ErrIOFailure, name, err)
	} else if err != nil {
		ln = nil
	}

	s.started.Store(true)
	m.enqueue(m.reactorByKey(name), ChangeRequest{Kind: ChangeRegister, Ops: OpAccept, Server: s, listener: ln})
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "server": name}).Info("Started server")
	m.emit(Event{Kind: EventServerStarted, Server: name})

	return nil
}

// StopServer closes the Server's listener and its anonymous Associations. It
// fails while one of its configured Associations is started.
func (m *Management) StopServer(name string) error {
	m.mutex.Lock()
	s, ok := m.servers[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if !s.IsStarted() {
		m.mutex.Unlock()
		return nil
	}

	var anonymous []*Association
	for _, n := range s.associations {
		a, ok := m.associations[n]
		if !ok || !a.IsStarted() {
			continue
		} else if a.assocType != AnonymousServerSide {
			m.mutex.Unlock()
			return fmt.Errorf("%w: association %q of server %q", ErrAssociationsStillStarted, n, name)
		}
		anonymous = append(anonymous, a)
	}

	r := m.reactorByKey(name)
	for _, a := range anonymous {
		a.started.Store(false)
		m.enqueue(r, ChangeRequest{Kind: ChangeClose, Association: a})
	}
	s.started.Store(false)
	m.enqueue(r, ChangeRequest{Kind: ChangeClose, Server: s})
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{
		"management": m.name,
		"server":     name,
		"anonymous":  len(anonymous),
	}).Info("Stopped server")
	m.emit(Event{Kind: EventServerStopped, Server: name})

	return nil
}

// StartAssociation lets the reactor connect a client Association or wait
// for the peer of a server side Association.
func (m *Management) StartAssociation(name string) error {
	if !m.IsStarted() {
		return ErrManagementNotStarted
	}

	m.mutex.Lock()
	a, ok := m.associations[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAssociation, name)
	}
	if a.IsStarted() {
		m.mutex.Unlock()
		return nil
	}

	a.started.Store(true)
	m.enqueue(m.reactorFor(a), ChangeRequest{Kind: ChangeConnect, Ops: OpConnect, Association: a})
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": name}).Info("Started association")
	m.emit(Event{Kind: EventAssociationStarted, Association: name, Server: a.ServerName()})

	return nil
}

// StopAssociation flips the Association's desired state at once; its reactor
// closes the channel after writing the queued messages.
func (m *Management) StopAssociation(name string) error {
	m.mutex.Lock()
	a, ok := m.associations[name]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownAssociation, name)
	}
	if !a.IsStarted() {
		m.mutex.Unlock()
		return nil
	}

	a.started.Store(false)
	m.enqueue(m.reactorFor(a), ChangeRequest{Kind: ChangeClose, Association: a})
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "association": name}).Info("Stopped association")
	m.emit(Event{Kind: EventAssociationStopped, Association: name, Server: a.ServerName()})

	return nil
}

// RemoveAllResources stops and removes every Association and Server.
func (m *Management) RemoveAllResources() error {
	if !m.IsStarted() {
		return ErrManagementNotStarted
	}

	m.mutex.Lock()
	var removed []Event
	for name, a := range m.associations {
		if a.started.CompareAndSwap(true, false) {
			m.enqueue(m.reactorFor(a), ChangeRequest{Kind: ChangeClose, Association: a})
		}
		delete(m.associations, name)
		removed = append(removed, Event{Kind: EventAssociationRemoved, Association: name, Server: a.serverName})
	}
	for name, s := range m.servers {
		if s.started.CompareAndSwap(true, false) {
			m.enqueue(m.reactorByKey(name), ChangeRequest{Kind: ChangeClose, Server: s})
		}
		delete(m.servers, name)
		removed = append(removed, Event{Kind: EventServerRemoved, Server: name})
	}
	m.mutex.Unlock()

	m.save()
	log.WithFields(log.Fields{"management": m.name, "removed": len(removed)}).Info("Removed all resources")
	for _, ev := range removed {
		m.emit(ev)
	}

	return nil
}
