// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/api"
	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/storage"
)

// daemon bundles a Management with its store, its management surface and the
// configuration watcher.
type daemon struct {
	filename string

	store   *storage.Store
	mgmt    *assoc.Management
	restApi *api.RestAPI
	httpSrv *http.Server
	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// newDaemon creates and starts the daemon based on the given TOML configuration.
func newDaemon(filename string) (d *daemon, err error) {
	conf, err := parseConfig(filename)
	if err != nil {
		return
	}

	setupLogging(conf.Logging)

	if conf.Management.Name == "" {
		conf.Management.Name = "assocd"
	}

	d = &daemon{
		filename: filename,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgmtConf, err := conf.Management.managementConfig()
	if err != nil {
		return nil, err
	}
	mgmtConf.ServerListener = anonymousAcceptor{}
	mgmtConf.DefaultListener = logListener{}
	mgmtConf.Registerer = reg

	// The started flags of the last run must be read before the first save.
	var startServers, startAssociations []string
	if conf.Management.Store != "" {
		if d.store, err = storage.NewStore(conf.Management.Store); err != nil {
			return nil, err
		}
		mgmtConf.Persister = d.store

		if startServers, startAssociations, err = d.persistedStarts(); err != nil {
			_ = d.store.Close()
			return nil, err
		}
	} else {
		log.Warn("management.store is empty, the registry will not be persisted")
	}

	d.mgmt = assoc.NewManagement(conf.Management.Name, mgmtConf)
	if err = d.mgmt.Start(); err != nil {
		_ = d.close()
		return nil, err
	}

	if err = d.init(conf, startServers, startAssociations); err != nil {
		_ = d.close()
		return nil, err
	}

	if conf.Api.Listen != "" {
		d.restApi = api.NewRestAPI(mux.NewRouter(), d.mgmt, reg)
		d.httpSrv = &http.Server{
			Addr:              conf.Api.Listen,
			Handler:           d.restApi,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("listen", conf.Api.Listen).Error("HTTP server errored")
			}
		}()
	}

	if err = d.watch(); err != nil {
		_ = d.close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"management": conf.Management.Name,
		"api":        conf.Api.Listen,
	}).Info("Started daemon")
	return
}

// persistedStarts returns the names of all Servers and Associations which were
// started when the last run ended.
func (d *daemon) persistedStarts() (servers, associations []string, err error) {
	serverRecs, err := d.store.StartedServers()
	if err != nil {
		return
	}
	associationRecs, err := d.store.StartedAssociations()
	if err != nil {
		return
	}

	for _, rec := range serverRecs {
		servers = append(servers, rec.Name)
	}
	for _, rec := range associationRecs {
		associations = append(associations, rec.Name)
	}
	return
}

// init adds the configured entities and starts the previously started and
// the configured ones. Servers are started before Associations.
func (d *daemon) init(conf tomlConfig, startServers, startAssociations []string) error {
	for _, srvConf := range conf.Server {
		if err := addServer(d.mgmt, srvConf); err != nil {
			return err
		}
		if srvConf.Start {
			startServers = append(startServers, srvConf.Name)
		}
	}
	for _, assocConf := range conf.Association {
		if err := addAssociation(d.mgmt, assocConf); err != nil {
			return err
		}
		if assocConf.Start {
			startAssociations = append(startAssociations, assocConf.Name)
		}
	}

	var errs *multierror.Error
	for _, name := range startServers {
		if err := d.mgmt.StartServer(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting server %q: %w", name, err))
		}
	}
	for _, name := range startAssociations {
		if err := d.mgmt.StartAssociation(name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("starting association %q: %w", name, err))
		}
	}

	// An entity failing to start does not prevent the others.
	if err := errs.ErrorOrNil(); err != nil {
		log.WithError(err).Warn("Failed to start some entities")
	}
	return nil
}

// watch the configuration file's directory, as editors tend to replace files.
func (d *daemon) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.filename)); err != nil {
		_ = watcher.Close()
		return err
	}

	d.watcher = watcher
	go d.handleWatcher()
	return nil
}

func (d *daemon) handleWatcher() {
	defer close(d.stopAck)

	for {
		select {
		case <-d.stopSyn:
			return

		case e, ok := <-d.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != filepath.Clean(d.filename) || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.reload()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Warn("fsnotify errored")
		}
	}
}

// reload applies the logging configuration and the connect delay of the
// configuration file. Other changes require a restart or the REST API.
func (d *daemon) reload() {
	conf, err := parseConfig(d.filename)
	if err != nil {
		log.WithError(err).WithField("file", d.filename).Warn("Failed to reload configuration")
		return
	}

	setupLogging(conf.Logging)

	if conf.Management.ConnectDelay > 0 {
		d.mgmt.SetConnectDelay(time.Duration(conf.Management.ConnectDelay) * time.Millisecond)
	}

	log.WithFields(log.Fields{
		"file":          d.filename,
		"connect delay": d.mgmt.ConnectDelay(),
	}).Info("Reloaded configuration")
}

// close every part which was set up, collecting all errors.
func (d *daemon) close() error {
	var errs *multierror.Error

	if d.watcher != nil {
		close(d.stopSyn)
		errs = multierror.Append(errs, d.watcher.Close())
		<-d.stopAck
	}

	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierror.Append(errs, d.httpSrv.Shutdown(ctx))
		cancel()
	}
	if d.restApi != nil {
		d.restApi.Close()
	}

	if d.mgmt != nil {
		errs = multierror.Append(errs, d.mgmt.Stop())
	}
	if d.store != nil {
		errs = multierror.Append(errs, d.store.Close())
	}

	return errs.ErrorOrNil()
}

// Close the daemon. The registry is saved with the current started flags.
func (d *daemon) Close() error {
	return d.close()
}
