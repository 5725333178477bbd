// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

const (
	// eventBuffer is the capacity of a reactor's event channel.
	eventBuffer = 256

	// maxEventsPerPoll bounds the events handled in one iteration, so pending
	// changes and the reconnect sweep are never starved.
	maxEventsPerPoll = 64

	// maxBatch is the amount of outbound messages handed to a writer at once.
	maxBatch = 32
)

// reactor is the event loop owning the channels of a disjoint shard of
// Servers and Associations. Its state is only touched by its own goroutine.
type reactor struct {
	id   int
	mgmt *Management

	changes *ChangeQueue
	events  chan event

	stopSyn chan struct{}
	stopAck chan struct{}

	// Started entities of this shard, keyed by name.
	servers      map[string]*serverChannel
	associations map[string]*Association

	lastSweep time.Time
	metrics   reactorMetrics
}

type reactorMetrics struct {
	changes        prometheus.Counter
	connectTries   prometheus.Counter
	connectFails   prometheus.Counter
	lost           prometheus.Counter
	accepted       prometheus.Counter
	rejected       prometheus.Counter
	rx             prometheus.Counter
	tx             prometheus.Counter
	invalidStreams prometheus.Counter
	connected      prometheus.Gauge
}

func newReactor(id int, mgmt *Management) *reactor {
	label := strconv.Itoa(id)
	m := mgmt.metrics

	return &reactor{
		id:   id,
		mgmt: mgmt,

		changes: NewChangeQueue(),
		events:  make(chan event, eventBuffer),

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),

		servers:      make(map[string]*serverChannel),
		associations: make(map[string]*Association),

		metrics: reactorMetrics{
			changes:        m.changes.WithLabelValues(label),
			connectTries:   m.connectTries.WithLabelValues(label),
			connectFails:   m.connectFails.WithLabelValues(label),
			lost:           m.lost.WithLabelValues(label),
			accepted:       m.accepted.WithLabelValues(label),
			rejected:       m.rejected.WithLabelValues(label),
			rx:             m.rx.WithLabelValues(label),
			tx:             m.tx.WithLabelValues(label),
			invalidStreams: m.invalidStreams.WithLabelValues(label),
			connected:      m.connected,
		},
	}
}

func (r *reactor) start() {
	go r.run()
}

// stop the event loop after it applied all pending changes.
func (r *reactor) stop() {
	close(r.stopSyn)
	<-r.stopAck
}

// post an event from a goroutine not bound to a channel's lifetime.
func (r *reactor) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.stopSyn:
	}
}

func (r *reactor) log() *log.Entry {
	return log.WithFields(log.Fields{
		"management": r.mgmt.name,
		"reactor":    r.id,
	})
}

func (r *reactor) run() {
	defer close(r.stopAck)

	pollTimeout := r.mgmt.cfg.PollTimeout
	ticker := time.NewTicker(pollTimeout)
	defer ticker.Stop()

	r.log().Debug("Reactor started")

	ready := make([]event, 0, maxEventsPerPoll)
	for {
		select {
		case <-r.stopSyn:
			r.shutdown()
			r.log().Debug("Reactor stopped")
			return

		case <-r.changes.Wake():
		case ev := <-r.events:
			ready = append(ready, ev)
		case <-ticker.C:
		}

		r.applyChanges()

	collect:
		for len(ready) < maxEventsPerPoll {
			select {
			case ev := <-r.events:
				ready = append(ready, ev)
			default:
				break collect
			}
		}

		for i := range ready {
			r.handle(ready[i])
			ready[i] = event{}
		}
		ready = ready[:0]

		if now := time.Now(); now.Sub(r.lastSweep) >= pollTimeout {
			r.sweep(now)
			r.lastSweep = now
		}
	}
}

func (r *reactor) applyChanges() {
	for _, cr := range r.changes.Drain() {
		r.metrics.changes.Inc()

		switch {
		case cr.Server != nil && cr.Kind == ChangeRegister:
			r.registerServer(cr.Server, cr.listener)

		case cr.Server != nil && cr.Kind == ChangeClose:
			r.closeServer(cr.Server)

		case cr.Association != nil && cr.Kind == ChangeConnect:
			r.connect(cr.Association)

		case cr.Association != nil && cr.Kind == ChangeOps:
			r.changeOps(cr.Association, cr.Ops)

		case cr.Association != nil && cr.Kind == ChangeClose:
			r.closeAssociation(cr.Association)

		default:
			r.log().WithField("change", cr).Warn("Dropping unsupported change request")
		}
	}
}

func (r *reactor) handle(ev event) {
	switch ev.kind {
	case evAccepted, evAcceptFailed:
		if cur, ok := r.servers[ev.srv.server.Name()]; !ok || cur != ev.srv || cur.listener != ev.ln {
			if ev.conn != nil {
				_ = ev.conn.Close()
			}
			return
		}

		if ev.kind == evAccepted {
			r.accept(ev.srv, ev.conn)
		} else {
			r.log().WithFields(log.Fields{
				"server": ev.srv.server.Name(),
				"error":  ev.err,
			}).Warn("Listener failed, rebinding after the connect delay")

			ev.srv.detach()
			ev.srv.lastBind = time.Now()
		}
		return
	}

	a := ev.ch.assoc
	if a.channel != ev.ch {
		// Event of a superseded generation.
		if ev.kind == evConnected {
			_ = ev.conn.Close()
		} else if ev.kind == evClosed && a.channel == nil && a.State() == StateClosing {
			a.setState(StateIdle)
		}
		return
	}

	switch ev.kind {
	case evConnected:
		ev.ch.ops &^= OpConnect
		r.establish(a, ev.ch, ev.conn, false)

	case evConnectFailed:
		r.connectFailed(a, ev.ch, ev.err)

	case evRead:
		r.deliver(a, ev.msg)

	case evReadFailed, evWriteFailed:
		r.fail(a, ev.ch, ev.err)

	case evWritable:
		ev.ch.writing = false
		r.metrics.tx.Add(float64(ev.n))
		if ev.ch.ops&OpWrite != 0 {
			r.flush(a)
		}
	}
}

// registerServer takes over a Server's listener. Without a listener the bind
// is retried by the sweep.
func (r *reactor) registerServer(s *Server, ln transport.Listener) {
	if !s.IsStarted() {
		if ln != nil {
			_ = ln.Close()
		}
		return
	}

	if old, ok := r.servers[s.Name()]; ok {
		old.close()
	}

	sc := newServerChannel(r, s)
	r.servers[s.Name()] = sc

	if ln == nil {
		sc.lastBind = time.Now()
		r.log().WithField("server", s.Name()).Info("Server address in use, binding after the connect delay")
		return
	}

	sc.attach(ln)
	r.log().WithFields(log.Fields{
		"server":  s.Name(),
		"address": ln.Addr(),
	}).Info("Server accepts connections")
}

func (r *reactor) closeServer(s *Server) {
	sc, ok := r.servers[s.Name()]
	if !ok {
		return
	}

	delete(r.servers, s.Name())
	sc.close()

	r.log().WithField("server", s.Name()).Info("Server closed")
}

// connect starts a connect attempt of a client Association or the wait for the
// peer of a server side Association.
func (r *reactor) connect(a *Association) {
	if !a.IsStarted() {
		return
	}

	r.associations[a.Name()] = a

	if a.channel != nil {
		return
	}

	if a.AssociationType() != Client {
		a.setState(StateAccepting)
		return
	}

	a.lastAttempt = time.Now()

	tr, err := r.mgmt.transport(a.IpChannelType())
	if err != nil {
		r.log().WithFields(log.Fields{
			"association": a.Name(),
			"error":       err,
		}).Warn("No transport for association")
		a.setState(StateReconnectWait)
		return
	}

	a.generation++
	ch := newChannel(r, a, a.generation)
	ch.ops = OpConnect
	a.channel = ch
	a.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	ch.cancel = cancel

	r.metrics.connectTries.Inc()
	r.log().WithFields(log.Fields{
		"association": a.Name(),
		"generation":  ch.gen,
	}).Debug("Connecting association")

	go ch.dial(ctx, tr, a.dialOptions(r.mgmt.cfg.MaxInboundStreams, r.mgmt.cfg.MaxOutboundStreams))
}

func (r *reactor) connectFailed(a *Association, ch *channel, err error) {
	a.channel = nil
	ch.close(false, nil)
	r.metrics.connectFails.Inc()

	logger := r.log().WithFields(log.Fields{
		"association": a.Name(),
		"generation":  ch.gen,
		"error":       err,
	})
	if transport.IsAddrInUse(err) {
		logger.Debug("Local address in use, retrying after the connect delay")
	} else {
		logger.Info("Connecting association failed, retrying after the connect delay")
	}

	if a.IsStarted() {
		a.setState(StateReconnectWait)
	} else {
		a.setState(StateIdle)
	}
}

// establish a connected channel. A restart replaces the channel of an already
// connected Association.
func (r *reactor) establish(a *Association, ch *channel, conn transport.Conn, restart bool) {
	a.txClear()

	ch.register(conn, OpRead)
	a.inStreams.Store(int32(ch.inStreams))
	a.outStreams.Store(int32(ch.outStreams))
	a.setConnectedPeer(addrHost(conn.RemoteAddr()))
	a.setState(StateConnected)

	r.log().WithFields(log.Fields{
		"association": a.Name(),
		"generation":  ch.gen,
		"conn":        conn,
		"inbound":     ch.inStreams,
		"outbound":    ch.outStreams,
		"restart":     restart,
	}).Info("Association is up")

	if restart {
		r.notify(a, func(l AssociationListener) { l.OnCommunicationRestart(a) })
		return
	}

	a.up = true
	r.metrics.connected.Inc()
	r.notify(a, func(l AssociationListener) { l.OnCommunicationUp(a, ch.inStreams, ch.outStreams) })
	r.mgmt.emit(Event{Kind: EventAssociationUp, Association: a.Name(), Server: a.ServerName()})
}

// deliver an inbound message. A message from another address of a multi-homed
// peer silently moves the connected peer address.
func (r *reactor) deliver(a *Association, msg transport.Message) {
	if peer := addrHost(msg.Peer); peer != "" {
		if old := a.ConnectedPeerAddress(); peer != old {
			a.setConnectedPeer(peer)
			r.log().WithFields(log.Fields{
				"association": a.Name(),
				"old":         old,
				"new":         peer,
			}).Debug("Peer address changed")
		}
	}

	r.metrics.rx.Inc()
	pd := payloadFromMessage(msg)
	r.notify(a, func(l AssociationListener) { l.OnPayload(a, pd) })
}

// fail handles the end of a connection which was not requested locally. A
// clean close by the peer is reported as a shutdown, everything else as lost.
func (r *reactor) fail(a *Association, ch *channel, err error) {
	a.channel = nil
	ch.close(false, nil)
	a.txClear()
	a.clearConnection()
	a.lastAttempt = time.Now()

	clean := errors.Is(err, io.EOF)
	logger := r.log().WithFields(log.Fields{
		"association": a.Name(),
		"generation":  ch.gen,
		"error":       err,
	})
	if clean {
		logger.Info("Association closed by peer")
	} else {
		r.metrics.lost.Inc()
		logger.Warn("Association lost")
	}

	if a.IsStarted() {
		a.setState(StateLost)
	}

	r.down(a, func(l AssociationListener) {
		if clean {
			l.OnCommunicationShutdown(a)
		} else {
			l.OnCommunicationLost(a)
		}
	})

	switch {
	case a.AssociationType() == AnonymousServerSide:
		r.dropAnonymous(a)
	case !a.IsStarted():
		a.setState(StateIdle)
	case a.AssociationType() == Client:
		a.setState(StateReconnectWait)
	default:
		a.setState(StateAccepting)
	}
}

// down notifies the end of a connection if its start was notified.
func (r *reactor) down(a *Association, callback func(AssociationListener)) {
	if !a.up {
		return
	}

	a.up = false
	r.metrics.connected.Dec()
	r.notify(a, callback)
	r.mgmt.emit(Event{Kind: EventAssociationDown, Association: a.Name(), Server: a.ServerName()})
}

// closeAssociation closes the channel of a stopped Association. The pending
// outbound messages are still written.
func (r *reactor) closeAssociation(a *Association) {
	delete(r.associations, a.Name())

	ch := a.channel
	if ch == nil {
		if a.AssociationType() == AnonymousServerSide {
			r.dropAnonymous(a)
		} else {
			a.setState(StateIdle)
		}
		return
	}

	a.channel = nil
	var rest []transport.Message
	if ch.conn != nil {
		rest = r.prepare(a, ch, a.txLen())
	}
	a.txClear()
	a.clearConnection()
	ch.close(ch.conn != nil, rest)

	if ch.conn != nil {
		a.setState(StateClosing)
	} else {
		a.setState(StateIdle)
	}

	r.log().WithFields(log.Fields{
		"association": a.Name(),
		"generation":  ch.gen,
	}).Info("Association closed")

	r.down(a, func(l AssociationListener) { l.OnCommunicationShutdown(a) })

	if a.AssociationType() == AnonymousServerSide {
		r.dropAnonymous(a)
	}
}

// changeOps replaces the interest set of an Association's channel.
func (r *reactor) changeOps(a *Association, ops InterestOps) {
	ch := a.channel
	if ch == nil || ch.conn == nil {
		if n := a.txClear(); n > 0 {
			r.log().WithFields(log.Fields{
				"association": a.Name(),
				"messages":    n,
			}).Debug("Dropping messages queued for a closed channel")
		}
		return
	}

	ch.ops = ops
	if ops&OpWrite != 0 {
		r.flush(a)
	}
}

// flush hands the next batch of queued messages to the writer. The write
// interest is dropped once the queue is empty.
func (r *reactor) flush(a *Association) {
	ch := a.channel
	if ch == nil || ch.conn == nil || ch.writing {
		return
	}

	batch := r.prepare(a, ch, maxBatch)
	if a.txLen() == 0 {
		ch.ops &^= OpWrite
	}
	if len(batch) == 0 {
		return
	}

	// The writer finished its last batch, the outbox is empty.
	ch.writing = true
	ch.outbox <- batch
}

// prepare up to n queued messages for writing. Messages on an invalid stream
// are reported to the listener and dropped.
func (r *reactor) prepare(a *Association, ch *channel, n int) []transport.Message {
	pds := a.txPop(n)
	if len(pds) == 0 {
		return nil
	}

	msgs := make([]transport.Message, 0, len(pds))
	for _, pd := range pds {
		if int(pd.StreamNumber) >= ch.outStreams {
			r.metrics.invalidStreams.Inc()
			r.log().WithFields(log.Fields{
				"association": a.Name(),
				"stream":      pd.StreamNumber,
				"outbound":    ch.outStreams,
			}).Debug("Dropping message for an invalid stream")

			invalid := pd
			r.notify(a, func(l AssociationListener) { l.InValidStreamId(invalid) })
			continue
		}

		msgs = append(msgs, pd.message())
	}
	return msgs
}

// accept an inbound connection for a pre-registered server side Association
// or, if the Server allows it, for a new anonymous one.
func (r *reactor) accept(sc *serverChannel, conn transport.Conn) {
	r.metrics.accepted.Inc()

	a := r.mgmt.matchServerAssociation(sc.server, conn.RemoteAddr())
	if a == nil {
		r.acceptAnonymous(sc, conn)
		return
	}

	if cur, ok := r.associations[a.Name()]; !ok || cur != a {
		r.reject(sc, conn, "association "+a.Name()+" is not started")
		return
	}

	r.acceptInto(a, conn)
}

func (r *reactor) acceptInto(a *Association, conn transport.Conn) {
	restart := false
	if old := a.channel; old != nil {
		a.channel = nil
		old.close(false, nil)
		restart = a.up
	}

	a.generation++
	ch := newChannel(r, a, a.generation)
	a.channel = ch
	r.establish(a, ch, conn, restart)
}

func (r *reactor) acceptAnonymous(sc *serverChannel, conn transport.Conn) {
	s := sc.server
	switch {
	case !s.IsAcceptAnonymousConnections():
		r.reject(sc, conn, "no association for peer")
		return

	case r.mgmt.cfg.ServerListener == nil:
		r.reject(sc, conn, "no server listener for anonymous peers")
		return

	case s.MaxConcurrentConnections() > 0 && len(sc.anonymous) >= s.MaxConcurrentConnections():
		r.reject(sc, conn, "maximum of concurrent connections reached")
		return
	}

	a, err := r.mgmt.addAnonymousAssociation(s, conn.RemoteAddr())
	if err != nil {
		r.reject(sc, conn, err.Error())
		return
	}

	l := r.mgmt.cfg.ServerListener.OnNewRemoteConnection(s, a)
	if l == nil {
		r.mgmt.removeAnonymousAssociation(a)
		r.reject(sc, conn, "rejected by server listener")
		return
	}

	a.SetListener(l)
	a.started.Store(true)
	r.associations[a.Name()] = a
	sc.anonymous[a.Name()] = a

	r.acceptInto(a, conn)
}

func (r *reactor) reject(sc *serverChannel, conn transport.Conn, reason string) {
	r.metrics.rejected.Inc()
	r.log().WithFields(log.Fields{
		"server": sc.server.Name(),
		"peer":   conn.RemoteAddr(),
		"reason": reason,
	}).Info("Rejecting inbound connection")

	_ = conn.Close()
}

// dropAnonymous forgets an anonymous Association after its connection ended.
func (r *reactor) dropAnonymous(a *Association) {
	a.started.Store(false)
	a.setState(StateIdle)
	delete(r.associations, a.Name())

	if sc, ok := r.servers[a.ServerName()]; ok {
		delete(sc.anonymous, a.Name())
	}

	r.mgmt.removeAnonymousAssociation(a)
}

// sweep queues a connect for each started but disconnected client
// Association whose last attempt is older than the connect delay and rebinds
// Servers without a listener.
func (r *reactor) sweep(now time.Time) {
	delay := r.mgmt.ConnectDelay()

	for _, a := range r.associations {
		if a.AssociationType() != Client || a.channel != nil || !a.IsStarted() {
			continue
		} else if now.Sub(a.lastAttempt) < delay {
			continue
		}

		a.lastAttempt = now
		r.changes.Add(ChangeRequest{Kind: ChangeConnect, Ops: OpConnect, Association: a})
	}

	for _, sc := range r.servers {
		if sc.listener != nil || now.Sub(sc.lastBind) < delay {
			continue
		}

		sc.lastBind = now
		ln, err := r.mgmt.listen(sc.server)
		if err != nil {
			logger := r.log().WithFields(log.Fields{
				"server": sc.server.Name(),
				"error":  err,
			})
			if transport.IsAddrInUse(err) {
				logger.Debug("Server address still in use")
			} else {
				logger.Warn("Binding server failed")
			}
			continue
		}

		sc.attach(ln)
		r.log().WithFields(log.Fields{
			"server":  sc.server.Name(),
			"address": ln.Addr(),
		}).Info("Server accepts connections")
	}
}

// shutdown applies the pending changes and closes everything left.
func (r *reactor) shutdown() {
	r.applyChanges()

	for _, a := range r.associations {
		r.closeAssociation(a)
	}
	for _, sc := range r.servers {
		r.closeServer(sc.server)
	}

	for {
		select {
		case ev := <-r.events:
			if ev.conn != nil && (ev.kind == evConnected || ev.kind == evAccepted) {
				_ = ev.conn.Close()
			}
		default:
			return
		}
	}
}

func (r *reactor) notify(a *Association, callback func(AssociationListener)) {
	l := a.Listener()
	if l == nil {
		l = r.mgmt.cfg.DefaultListener
	}
	if l != nil {
		callback(l)
	}
}
