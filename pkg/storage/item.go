// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import "github.com/dtn7/assoc-go/pkg/assoc"

// ServerItem is the stored representation of a Server.
type ServerItem struct {
	Name string `badgerhold:"key"`

	Started bool `badgerholdIndex:"Started"`

	Record assoc.ServerRecord
}

// AssociationItem is the stored representation of an Association.
type AssociationItem struct {
	Name string `badgerhold:"key"`

	Started    bool   `badgerholdIndex:"Started"`
	ServerName string `badgerholdIndex:"ServerName"`

	Record assoc.AssociationRecord
}

func newServerItem(rec assoc.ServerRecord) ServerItem {
	return ServerItem{Name: rec.Name, Started: rec.Started, Record: rec}
}

func newAssociationItem(rec assoc.AssociationRecord) AssociationItem {
	return AssociationItem{Name: rec.Name, Started: rec.Started, ServerName: rec.ServerName, Record: rec}
}
