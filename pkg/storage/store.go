// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package storage persists the registry of an assoc.Management in a badger
// database.
package storage

import (
	"os"
	"path"

	"github.com/dgraph-io/badger"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

const dirBadger string = "db"

// Store implements assoc.Persister.
type Store struct {
	bh *badgerhold.Store

	badgerDir string
}

// NewStore opens or creates a Store below dir.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh:        bh,
			badgerDir: badgerDir,
		}
	}
	return
}

// Close the underlying database.
func (s *Store) Close() error {
	return s.bh.Close()
}

// LoadAll returns every stored record.
func (s *Store) LoadAll() (servers []assoc.ServerRecord, associations []assoc.AssociationRecord, err error) {
	var serverItems []ServerItem
	if err = s.bh.Find(&serverItems, nil); err != nil {
		return
	}

	var associationItems []AssociationItem
	if err = s.bh.Find(&associationItems, nil); err != nil {
		return
	}

	for _, si := range serverItems {
		servers = append(servers, si.Record)
	}
	for _, ai := range associationItems {
		associations = append(associations, ai.Record)
	}

	log.WithFields(log.Fields{
		"servers":      len(servers),
		"associations": len(associations),
	}).Debug("Loaded registry from store")
	return
}

// SaveAll replaces the stored records in one transaction.
func (s *Store) SaveAll(servers []assoc.ServerRecord, associations []assoc.AssociationRecord) error {
	return s.bh.Badger().Update(func(tx *badger.Txn) error {
		var oldServers []ServerItem
		if err := s.bh.TxFind(tx, &oldServers, nil); err != nil {
			return err
		}
		var oldAssociations []AssociationItem
		if err := s.bh.TxFind(tx, &oldAssociations, nil); err != nil {
			return err
		}

		keepServers := make(map[string]struct{}, len(servers))
		for _, rec := range servers {
			keepServers[rec.Name] = struct{}{}
			if err := s.bh.TxUpsert(tx, rec.Name, newServerItem(rec)); err != nil {
				return err
			}
		}
		keepAssociations := make(map[string]struct{}, len(associations))
		for _, rec := range associations {
			keepAssociations[rec.Name] = struct{}{}
			if err := s.bh.TxUpsert(tx, rec.Name, newAssociationItem(rec)); err != nil {
				return err
			}
		}

		for _, si := range oldServers {
			if _, ok := keepServers[si.Name]; !ok {
				if err := s.bh.TxDelete(tx, si.Name, ServerItem{}); err != nil {
					return err
				}
			}
		}
		for _, ai := range oldAssociations {
			if _, ok := keepAssociations[ai.Name]; !ok {
				if err := s.bh.TxDelete(tx, ai.Name, AssociationItem{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// StartedAssociations returns the records of Associations which were started
// when they were saved last.
func (s *Store) StartedAssociations() (associations []assoc.AssociationRecord, err error) {
	var items []AssociationItem
	if err = s.bh.Find(&items, badgerhold.Where("Started").Eq(true).Index("Started")); err != nil {
		return
	}

	for _, ai := range items {
		associations = append(associations, ai.Record)
	}
	return
}

// StartedServers returns the records of Servers which were started when they
// were saved last.
func (s *Store) StartedServers() (servers []assoc.ServerRecord, err error) {
	var items []ServerItem
	if err = s.bh.Find(&items, badgerhold.Where("Started").Eq(true).Index("Started")); err != nil {
		return
	}

	for _, si := range items {
		servers = append(servers, si.Record)
	}
	return
}
