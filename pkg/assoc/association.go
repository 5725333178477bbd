// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// AssociationType tells how an Association reaches its peer.
type AssociationType int

const (
	// Client Associations dial their peer.
	Client AssociationType = iota

	// ServerSide Associations are accepted by their Server.
	ServerSide

	// AnonymousServerSide Associations were accepted for an unknown peer. They
	// exist until their connection ends and are never persisted.
	AnonymousServerSide
)

func (t AssociationType) String() string {
	switch t {
	case Client:
		return "client"
	case ServerSide:
		return "server"
	case AnonymousServerSide:
		return "anonymous"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func (t AssociationType) MarshalText() ([]byte, error) {
	if t < Client || t > AnonymousServerSide {
		return nil, fmt.Errorf("%w: unknown association type %d", ErrValidation, int(t))
	}
	return []byte(t.String()), nil
}

func (t *AssociationType) UnmarshalText(text []byte) error {
	for _, known := range []AssociationType{Client, ServerSide, AnonymousServerSide} {
		if string(text) == known.String() {
			*t = known
			return nil
		}
	}
	return fmt.Errorf("%w: unknown association type %q", ErrValidation, text)
}

// AssociationState of the connection state machine.
type AssociationState int32

const (
	StateIdle AssociationState = iota
	StateConnecting
	StateAccepting
	StateConnected
	StateClosing
	StateLost
	StateReconnectWait
)

func (s AssociationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AssociationState) UnmarshalText(text []byte) error {
	for known := StateIdle; known <= StateReconnectWait; known++ {
		if string(text) == known.String() {
			*s = known
			return nil
		}
	}
	return fmt.Errorf("%w: unknown association state %q", ErrValidation, text)
}

func (s AssociationState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAccepting:
		return "ACCEPTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateLost:
		return "LOST"
	case StateReconnectWait:
		return "RECONNECT_WAIT"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Association is a named relationship to one peer, either dialed by this node
// or accepted by a Server.
type Association struct {
	mgmt      *Management
	name      string
	assocType AssociationType

	mutex              sync.RWMutex
	channelType        IpChannelType
	hostAddress        string
	hostPort           int
	peerAddress        string
	peerPort           int
	extraHostAddresses []string
	serverName         string
	peerIPs            []net.IP
	listener           AssociationListener
	connectedPeer      string

	started    atomic.Bool
	state      atomic.Int32
	inStreams  atomic.Int32
	outStreams atomic.Int32

	txMutex sync.Mutex
	txQueue *queue.Queue

	// Owned by the reactor goroutine.
	channel     *channel
	generation  uint64
	lastAttempt time.Time
	up          bool
}

// AssociationModification selects the fields ModifyAssociation replaces. Nil
// fields are left untouched. Host fields are rejected for server side
// Associations, whose local endpoint is their Server's.
type AssociationModification struct {
	HostAddress        *string
	HostPort           *int
	PeerAddress        *string
	PeerPort           *int
	ChannelType        *IpChannelType
	ExtraHostAddresses *[]string
}

func newAssociation(mgmt *Management, name string, assocType AssociationType) *Association {
	return &Association{
		mgmt:      mgmt,
		name:      name,
		assocType: assocType,
		txQueue:   queue.New(),
	}
}

func (a *Association) Name() string {
	return a.name
}

func (a *Association) AssociationType() AssociationType {
	return a.assocType
}

func (a *Association) IpChannelType() IpChannelType {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.channelType
}

func (a *Association) HostAddress() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.hostAddress
}

// HostPort of a client Association; zero picks an ephemeral port.
func (a *Association) HostPort() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.hostPort
}

func (a *Association) PeerAddress() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.peerAddress
}

// PeerPort of the remote endpoint. For server side Associations zero accepts
// any source port of the peer address.
func (a *Association) PeerPort() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.peerPort
}

func (a *Association) ExtraHostAddresses() []string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return append([]string(nil), a.extraHostAddresses...)
}

// ServerName of the owning Server or an empty string for client Associations.
func (a *Association) ServerName() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.serverName
}

// ConnectedPeerAddress is the peer address currently in use. It differs from
// PeerAddress after a multi-homed peer moved to one of its other addresses.
func (a *Association) ConnectedPeerAddress() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.connectedPeer
}

func (a *Association) Listener() AssociationListener {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.listener
}

// SetListener for this Association's callbacks. It should be set before the
// Association is started.
func (a *Association) SetListener(l AssociationListener) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.listener = l
}

// IsStarted reports the desired state.
func (a *Association) IsStarted() bool {
	return a.started.Load()
}

// IsConnected reports if the Association is started and its channel is up.
func (a *Association) IsConnected() bool {
	return a.started.Load() && a.State() == StateConnected
}

func (a *Association) State() AssociationState {
	return AssociationState(a.state.Load())
}

// MaxInboundStreams negotiated for the current connection.
func (a *Association) MaxInboundStreams() int {
	return int(a.inStreams.Load())
}

// MaxOutboundStreams negotiated for the current connection. Sent messages
// must use a smaller stream number.
func (a *Association) MaxOutboundStreams() int {
	return int(a.outStreams.Load())
}

// Send queues a message for the reactor. A message on a stream outside the
// negotiated range is not written but reported to the listener's
// InValidStreamId.
func (a *Association) Send(pd PayloadData) error {
	if !a.IsConnected() {
		return fmt.Errorf("%w: association %s", ErrNotConnected, a.name)
	} else if len(pd.Data) > transport.MaxMessageSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d bytes",
			ErrValidation, len(pd.Data), transport.MaxMessageSize)
	}

	r := a.mgmt.reactorFor(a)
	if r == nil {
		return fmt.Errorf("%w: association %s", ErrNotConnected, a.name)
	}

	a.txMutex.Lock()
	a.txQueue.Add(pd)
	a.txMutex.Unlock()

	r.changes.Add(ChangeRequest{Kind: ChangeOps, Ops: OpRead | OpWrite, Association: a})
	return nil
}

func (a *Association) String() string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return fmt.Sprintf("Association(%s, %v, %v://%s->%s, server=%q, state=%v, started=%t)",
		a.name, a.assocType, a.channelType,
		hostPortString(a.hostAddress, a.hostPort), hostPortString(a.peerAddress, a.peerPort),
		a.serverName, a.State(), a.started.Load())
}

func (a *Association) setState(state AssociationState) {
	a.state.Store(int32(state))
}

func (a *Association) setConnectedPeer(addr string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.connectedPeer = addr
}

// clearConnection resets the fields describing the ended connection.
func (a *Association) clearConnection() {
	a.setConnectedPeer("")
	a.inStreams.Store(0)
	a.outStreams.Store(0)
}

// txPop removes up to n queued outbound messages.
func (a *Association) txPop(n int) []PayloadData {
	a.txMutex.Lock()
	defer a.txMutex.Unlock()

	if a.txQueue.Length() < n {
		n = a.txQueue.Length()
	}

	pds := make([]PayloadData, 0, n)
	for i := 0; i < n; i++ {
		pds = append(pds, a.txQueue.Remove().(PayloadData))
	}
	return pds
}

func (a *Association) txLen() int {
	a.txMutex.Lock()
	defer a.txMutex.Unlock()

	return a.txQueue.Length()
}

// txClear drops all queued outbound messages and returns their amount.
func (a *Association) txClear() int {
	a.txMutex.Lock()
	defer a.txMutex.Unlock()

	n := a.txQueue.Length()
	if n > 0 {
		a.txQueue = queue.New()
	}
	return n
}

// dialOptions for the next connect attempt of a client Association.
func (a *Association) dialOptions(in, out int) transport.DialOptions {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return transport.DialOptions{
		LocalAddress:        a.hostAddress,
		LocalPort:           a.hostPort,
		ExtraLocalAddresses: append([]string(nil), a.extraHostAddresses...),
		RemoteAddress:       a.peerAddress,
		RemotePort:          a.peerPort,
		InboundStreams:      in,
		OutboundStreams:     out,
	}
}

// matchesPeer checks if a remote address belongs to this server side
// Association's peer.
func (a *Association) matchesPeer(addr net.Addr) bool {
	ip, port, ok := splitAddr(addr)
	if !ok {
		return false
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.peerPort != 0 && a.peerPort != port {
		return false
	}
	for _, peerIP := range a.peerIPs {
		if peerIP.Equal(ip) {
			return true
		}
	}
	return false
}

// splitAddr into IP and port for TCP, UDP or textual host:port addresses.
func splitAddr(addr net.Addr) (net.IP, int, bool) {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP, addr.Port, true
	case *net.UDPAddr:
		return addr.IP, addr.Port, true
	case *transport.MultiAddr:
		if len(addr.IPs) == 0 {
			return nil, 0, false
		}
		return addr.IPs[0], addr.Port, true
	case nil:
		return nil, 0, false
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	port, err := strconv.Atoi(portStr)
	if ip == nil || err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

// addrHost returns the host part of an address, e.g., its IP.
func addrHost(addr net.Addr) string {
	if ip, _, ok := splitAddr(addr); ok {
		return ip.String()
	} else if addr != nil {
		return addr.String()
	}
	return ""
}

func hostPortString(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
