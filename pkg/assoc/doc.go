// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package assoc manages servers and associations for SCTP or TCP peers.
//
// A Management is the registry of named Servers (passive endpoints) and
// Associations (single peer relationships, either dialed by this node or
// accepted by one of its Servers). Operators add, modify, start, stop and
// remove those entities through the Management; every change to a live socket
// is handed as a ChangeRequest to a reactor goroutine, which exclusively owns
// the sockets, reconnects lost client associations after the connect delay and
// invokes the AssociationListener callbacks.
//
//	m := assoc.NewManagement("node", assoc.Config{ConnectDelay: time.Second})
//	_ = m.Start()
//	a, _ := m.AddAssociation("127.0.0.1", 0, "127.0.0.1", 2905, "to-peer", assoc.TCP, nil)
//	a.SetListener(myListener)
//	_ = m.StartAssociation("to-peer")
//
// All listener callbacks are executed on a reactor goroutine and must not block.
package assoc
