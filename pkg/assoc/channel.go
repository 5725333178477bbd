// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// closeTimeout bounds the flush of queued messages on a graceful close.
const closeTimeout = 2 * time.Second

type eventKind int

const (
	evConnected eventKind = iota
	evConnectFailed
	evRead
	evReadFailed
	evWritable
	evWriteFailed
	evClosed
	evAccepted
	evAcceptFailed
)

// event is posted by an I/O goroutine to its reactor. It plays the role of a
// ready key: the reactor validates it against its current state first.
type event struct {
	kind eventKind

	ch *channel

	srv *serverChannel
	ln  transport.Listener

	conn transport.Conn
	msg  transport.Message
	n    int
	err  error
}

// channel is one connection attempt or connection of an Association. A new
// channel with a new generation is created for each attempt and never reused.
// All fields are owned by the reactor; the I/O goroutines only use the
// immutable ones and post events.
type channel struct {
	r     *reactor
	assoc *Association
	gen   uint64

	conn       transport.Conn
	ops        InterestOps
	inStreams  int
	outStreams int
	writing    bool
	closed     bool

	outbox     chan []transport.Message
	writerDone chan struct{}
	done       chan struct{}
	cancel     context.CancelFunc
}

func newChannel(r *reactor, a *Association, gen uint64) *channel {
	return &channel{
		r:          r,
		assoc:      a,
		gen:        gen,
		outbox:     make(chan []transport.Message, 1),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// post an event unless this channel was closed or the reactor stopped.
func (ch *channel) post(ev event) bool {
	select {
	case ch.r.events <- ev:
		return true
	case <-ch.done:
		return false
	case <-ch.r.stopSyn:
		return false
	}
}

func (ch *channel) dial(ctx context.Context, tr transport.Transport, opts transport.DialOptions) {
	defer ch.cancel()

	conn, err := tr.Dial(ctx, opts)
	if err != nil {
		ch.post(event{kind: evConnectFailed, ch: ch, err: err})
		return
	}

	if !ch.post(event{kind: evConnected, ch: ch, conn: conn}) {
		_ = conn.Close()
	}
}

// register an established connection and start its reader and writer.
func (ch *channel) register(conn transport.Conn, ops InterestOps) {
	ch.conn = conn
	ch.ops = ops
	ch.inStreams, ch.outStreams = conn.Streams()

	go ch.reader()
	go ch.writer()
}

func (ch *channel) reader() {
	for {
		msg, err := ch.conn.ReadMessage()
		if err != nil {
			ch.post(event{kind: evReadFailed, ch: ch, err: err})
			return
		}

		if !ch.post(event{kind: evRead, ch: ch, msg: msg}) {
			return
		}
	}
}

func (ch *channel) writer() {
	defer close(ch.writerDone)

	for batch := range ch.outbox {
		for _, msg := range batch {
			if err := ch.conn.WriteMessage(msg); err != nil {
				ch.post(event{kind: evWriteFailed, ch: ch, err: err})

				for range ch.outbox {
				}
				return
			}
		}

		ch.post(event{kind: evWritable, ch: ch, n: len(batch)})
	}
}

// close this channel. A graceful close of a connection first writes rest and
// all batches already handed to the writer.
func (ch *channel) close(graceful bool, rest []transport.Message) {
	if ch.closed {
		return
	}
	ch.closed = true

	close(ch.done)
	if ch.cancel != nil {
		ch.cancel()
	}

	if ch.conn == nil {
		return
	}

	if !graceful {
		close(ch.outbox)
		_ = ch.conn.Close()
		return
	}

	go func() {
		if len(rest) > 0 {
			ch.outbox <- rest
		}
		close(ch.outbox)

		select {
		case <-ch.writerDone:
		case <-time.After(closeTimeout):
			log.WithFields(log.Fields{
				"association": ch.assoc.Name(),
				"generation":  ch.gen,
			}).Warn("Closing channel timed out while flushing")
		}

		if err := ch.conn.Close(); err != nil {
			log.WithFields(log.Fields{
				"association": ch.assoc.Name(),
				"error":       err,
			}).Debug("Closing channel errored")
		}

		ch.r.post(event{kind: evClosed, ch: ch})
	}()
}

// serverChannel is the reactor's runtime of a started Server.
type serverChannel struct {
	r      *reactor
	server *Server

	listener  transport.Listener
	ops       InterestOps
	lastBind  time.Time
	anonymous map[string]*Association
	done      chan struct{}
}

func newServerChannel(r *reactor, s *Server) *serverChannel {
	return &serverChannel{
		r:         r,
		server:    s,
		anonymous: make(map[string]*Association),
		done:      make(chan struct{}),
	}
}

func (sc *serverChannel) post(ev event) bool {
	select {
	case sc.r.events <- ev:
		return true
	case <-sc.done:
		return false
	case <-sc.r.stopSyn:
		return false
	}
}

// attach a bound listener and start accepting.
func (sc *serverChannel) attach(ln transport.Listener) {
	sc.listener = ln
	sc.ops = OpAccept

	go sc.accept(ln)
}

func (sc *serverChannel) accept(ln transport.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			sc.post(event{kind: evAcceptFailed, srv: sc, ln: ln, err: err})
			return
		}

		if !sc.post(event{kind: evAccepted, srv: sc, ln: ln, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

// detach closes the current listener, e.g., after it failed.
func (sc *serverChannel) detach() {
	if sc.listener == nil {
		return
	}

	if err := sc.listener.Close(); err != nil {
		log.WithFields(log.Fields{
			"server": sc.server.Name(),
			"error":  err,
		}).Debug("Closing listener errored")
	}
	sc.listener = nil
	sc.ops = 0
}

func (sc *serverChannel) close() {
	close(sc.done)
	sc.detach()
}
