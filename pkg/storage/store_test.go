// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package storage

import (
	"os"
	"reflect"
	"testing"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

func setupStoreDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "store")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestStore(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	servers := []assoc.ServerRecord{{
		Name:               "srv",
		HostAddress:        "127.0.0.1",
		HostPort:           2905,
		ChannelType:        assoc.SCTP,
		AcceptAnonymous:    true,
		ExtraHostAddresses: []string{"127.0.0.2"},
		Associations:       []string{"sa"},
		Started:            true,
	}}
	associations := []assoc.AssociationRecord{{
		Name:        "cli",
		Type:        assoc.Client,
		ChannelType: assoc.TCP,
		HostAddress: "127.0.0.1",
		PeerAddress: "127.0.0.1",
		PeerPort:    2905,
	}, {
		Name:        "sa",
		Type:        assoc.ServerSide,
		ChannelType: assoc.SCTP,
		PeerAddress: "127.0.0.1",
		ServerName:  "srv",
		Started:     true,
	}}

	if err := store.SaveAll(servers, associations); err != nil {
		t.Fatal(err)
	}

	loadedServers, loadedAssociations, err := store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(servers, loadedServers) {
		t.Fatalf("servers differ: %v, %v", servers, loadedServers)
	}
	if !reflect.DeepEqual(associations, loadedAssociations) {
		t.Fatalf("associations differ: %v, %v", associations, loadedAssociations)
	}

	if started, err := store.StartedAssociations(); err != nil {
		t.Fatal(err)
	} else if len(started) != 1 || started[0].Name != "sa" {
		t.Fatalf("started associations %v", started)
	}
	if started, err := store.StartedServers(); err != nil {
		t.Fatal(err)
	} else if len(started) != 1 || started[0].Name != "srv" {
		t.Fatalf("started servers %v", started)
	}

	// A second save replaces the first one.
	if err := store.SaveAll(nil, associations[:1]); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	loadedServers, loadedAssociations, err = store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(loadedServers) != 0 || len(loadedAssociations) != 1 || loadedAssociations[0].Name != "cli" {
		t.Fatalf("unexpected records after replacing: %v, %v", loadedServers, loadedAssociations)
	}
}

func TestStoreManagement(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	m := assoc.NewManagement("test", assoc.Config{Persister: store})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddServer("srv", "127.0.0.1", 2905, assoc.TCP, false, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddServerAssociation("127.0.0.2", 0, "srv", "sa", assoc.TCP); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}

	m2 := assoc.NewManagement("test", assoc.Config{Persister: store})
	if err := m2.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m2.Stop() }()

	srv, err := m2.GetServer("srv")
	if err != nil {
		t.Fatal(err)
	}
	if names := srv.AssociationNames(); !reflect.DeepEqual(names, []string{"sa"}) {
		t.Fatalf("restored server has associations %v", names)
	}
}
