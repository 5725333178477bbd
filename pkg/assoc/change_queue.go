// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dtn7/assoc-go/pkg/transport"
	"github.com/eapache/queue"
)

// ChangeKind is the operation a ChangeRequest asks the reactor to perform.
type ChangeKind int

const (
	// ChangeRegister hands a new channel, e.g., a bound listener, to the reactor.
	ChangeRegister ChangeKind = iota

	// ChangeOps replaces the interest set of a registered channel.
	ChangeOps

	// ChangeConnect starts a connect attempt or, for a server side
	// Association, the wait for its peer.
	ChangeConnect

	// ChangeClose closes the live channel of a stopped entity.
	ChangeClose
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRegister:
		return "REGISTER"
	case ChangeOps:
		return "CHANGE_OPS"
	case ChangeConnect:
		return "CONNECT"
	case ChangeClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// InterestOps is the set of readiness events a channel is interested in.
type InterestOps uint8

const (
	OpRead InterestOps = 1 << iota
	OpWrite
	OpConnect
	OpAccept
)

func (ops InterestOps) String() string {
	var names []string
	for _, op := range []struct {
		op   InterestOps
		name string
	}{{OpRead, "READ"}, {OpWrite, "WRITE"}, {OpConnect, "CONNECT"}, {OpAccept, "ACCEPT"}} {
		if ops&op.op != 0 {
			names = append(names, op.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// ChangeRequest is one pending mutation of the reactor's channel set. Exactly
// one of Server or Association is set.
type ChangeRequest struct {
	Kind ChangeKind
	Ops  InterestOps

	Server      *Server
	Association *Association

	// listener is set for a REGISTER of a Server whose socket was bound by the
	// caller. A nil listener is bound later by the reactor.
	listener transport.Listener
}

func (cr ChangeRequest) String() string {
	target := "<nil>"
	if cr.Server != nil {
		target = "server " + cr.Server.Name()
	} else if cr.Association != nil {
		target = "association " + cr.Association.Name()
	}
	return fmt.Sprintf("ChangeRequest(%v, %v, %s)", cr.Kind, cr.Ops, target)
}

// ChangeQueue collects ChangeRequests from arbitrary goroutines for the reactor.
// Its lock is only held while adding or draining.
type ChangeQueue struct {
	mutex sync.Mutex
	queue *queue.Queue
	wake  chan struct{}
}

// NewChangeQueue creates an empty ChangeQueue.
func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{
		queue: queue.New(),
		wake:  make(chan struct{}, 1),
	}
}

// Add a ChangeRequest and wake up the consumer.
func (cq *ChangeQueue) Add(cr ChangeRequest) {
	cq.mutex.Lock()
	cq.queue.Add(cr)
	cq.mutex.Unlock()

	select {
	case cq.wake <- struct{}{}:
	default:
	}
}

// Drain removes all pending ChangeRequests in their insertion order.
func (cq *ChangeQueue) Drain() []ChangeRequest {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	if cq.queue.Length() == 0 {
		return nil
	}

	crs := make([]ChangeRequest, 0, cq.queue.Length())
	for cq.queue.Length() > 0 {
		crs = append(crs, cq.queue.Remove().(ChangeRequest))
	}
	return crs
}

// Len of pending ChangeRequests.
func (cq *ChangeQueue) Len() int {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	return cq.queue.Length()
}

// Wake is signaled after an Add. At most one signal is pending.
func (cq *ChangeQueue) Wake() <-chan struct{} {
	return cq.wake
}
