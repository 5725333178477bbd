// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// logListener is the default AssociationListener of the daemon, used by each
// Association without a listener of its own. Applications observe the daemon
// through its event feed.
type logListener struct{}

func (logListener) OnCommunicationUp(a *assoc.Association, maxInboundStreams, maxOutboundStreams int) {
	log.WithFields(log.Fields{
		"association": a.Name(),
		"peer":        a.ConnectedPeerAddress(),
		"inbound":     maxInboundStreams,
		"outbound":    maxOutboundStreams,
	}).Info("Communication up")
}

func (logListener) OnCommunicationShutdown(a *assoc.Association) {
	log.WithField("association", a.Name()).Info("Communication shut down")
}

func (logListener) OnCommunicationLost(a *assoc.Association) {
	log.WithField("association", a.Name()).Warn("Communication lost")
}

func (logListener) OnCommunicationRestart(a *assoc.Association) {
	log.WithField("association", a.Name()).Warn("Communication restarted by peer")
}

func (logListener) OnPayload(a *assoc.Association, pd assoc.PayloadData) {
	log.WithFields(log.Fields{
		"association": a.Name(),
		"payload":     pd,
	}).Debug("Received payload")
}

func (logListener) InValidStreamId(pd assoc.PayloadData) {
	log.WithField("payload", pd).Warn("Dropped payload for an invalid stream id")
}

// anonymousAcceptor accepts each anonymous peer of a Server which allows them.
type anonymousAcceptor struct{}

func (anonymousAcceptor) OnNewRemoteConnection(s *assoc.Server, a *assoc.Association) assoc.AssociationListener {
	log.WithFields(log.Fields{
		"server":      s.Name(),
		"association": a.Name(),
		"peer":        a.PeerAddress(),
	}).Info("Accepting anonymous peer")
	return logListener{}
}
