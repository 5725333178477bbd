// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api exposes an assoc.Management over HTTP. The REST endpoints map
// one to one to the registry's operations, /events streams the registry's
// events over a WebSocket and /metrics serves the prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// RestAPI is the HTTP management surface of a Management.
type RestAPI struct {
	router *mux.Router
	mgmt   *assoc.Management
	events *EventHub
}

// NewRestAPI registers its routes on router. The EventHub is registered as
// an EventListener of mgmt until Close. A nil gatherer serves prometheus'
// default registry.
func NewRestAPI(router *mux.Router, mgmt *assoc.Management, gatherer prometheus.Gatherer) (ra *RestAPI) {
	ra = &RestAPI{
		router: router,
		mgmt:   mgmt,
		events: NewEventHub(),
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mgmt.AddEventListener(ra.events)

	ra.router.HandleFunc("/servers", ra.handleListServers).Methods(http.MethodGet)
	ra.router.HandleFunc("/servers", ra.handleAddServer).Methods(http.MethodPost)
	ra.router.HandleFunc("/servers/{name}", ra.handleGetServer).Methods(http.MethodGet)
	ra.router.HandleFunc("/servers/{name}", ra.handleModifyServer).Methods(http.MethodPatch)
	ra.router.HandleFunc("/servers/{name}", ra.handleRemoveServer).Methods(http.MethodDelete)
	ra.router.HandleFunc("/servers/{name}/start", ra.handleStartServer).Methods(http.MethodPost)
	ra.router.HandleFunc("/servers/{name}/stop", ra.handleStopServer).Methods(http.MethodPost)

	ra.router.HandleFunc("/associations", ra.handleListAssociations).Methods(http.MethodGet)
	ra.router.HandleFunc("/associations", ra.handleAddAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}", ra.handleGetAssociation).Methods(http.MethodGet)
	ra.router.HandleFunc("/associations/{name}", ra.handleModifyAssociation).Methods(http.MethodPatch)
	ra.router.HandleFunc("/associations/{name}", ra.handleRemoveAssociation).Methods(http.MethodDelete)
	ra.router.HandleFunc("/associations/{name}/start", ra.handleStartAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}/stop", ra.handleStopAssociation).Methods(http.MethodPost)
	ra.router.HandleFunc("/associations/{name}/send", ra.handleSend).Methods(http.MethodPost)

	ra.router.HandleFunc("/resources", ra.handleRemoveAllResources).Methods(http.MethodDelete)

	ra.router.Handle("/events", ra.events)
	ra.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return ra
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint.
func (ra *RestAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ra.router.ServeHTTP(w, r)
}

// Close detaches the event feed from the Management and disconnects its
// WebSocket clients.
func (ra *RestAPI) Close() {
	ra.mgmt.RemoveEventListener(ra.events)
	ra.events.Close()
}

// statusCode of an error returned by the Management.
func statusCode(err error) int {
	switch {
	case errors.Is(err, assoc.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, assoc.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, assoc.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, assoc.ErrUnknownEntity):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respond writes either the error or the payload as JSON. A nil payload on
// success results in an empty object.
func respond(w http.ResponseWriter, r *http.Request, payload interface{}, err error) {
	status := http.StatusOK
	if err != nil {
		status = statusCode(err)
		payload = ErrorResponse{Error: err.Error(), Kind: assoc.ErrorKind(err)}

		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		}).Info("REST request failed")
	} else if payload == nil {
		payload = struct{}{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if jsonErr := json.NewEncoder(w).Encode(payload); jsonErr != nil {
		log.WithError(jsonErr).Warn("Failed to write REST response")
	}
}

// decode the request's JSON body into v. Malformed bodies are validation
// errors.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request: %v", assoc.ErrValidation, err)
	}
	return nil
}

func (ra *RestAPI) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, _ := ra.mgmt.Snapshot()
	respond(w, r, servers, nil)
}

func (ra *RestAPI) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, nil, err)
		return
	}

	s, err := ra.mgmt.AddServer(req.Name, req.HostAddress, req.HostPort, req.ChannelType,
		req.AcceptAnonymous, req.MaxConcurrentConnections, req.ExtraHostAddresses)
	if err != nil {
		respond(w, r, nil, err)
		return
	}
	respond(w, r, s.Record(), nil)
}

func (ra *RestAPI) handleGetServer(w http.ResponseWriter, r *http.Request) {
	if s, err := ra.mgmt.GetServer(mux.Vars(r)["name"]); err != nil {
		respond(w, r, nil, err)
	} else {
		respond(w, r, s.Record(), nil)
	}
}

func (ra *RestAPI) handleModifyServer(w http.ResponseWriter, r *http.Request) {
	var req ServerModifyRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, nil, err)
		return
	}
	respond(w, r, nil, ra.mgmt.ModifyServer(mux.Vars(r)["name"], req.modification()))
}

func (ra *RestAPI) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.RemoveServer(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleStartServer(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.StartServer(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleStopServer(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.StopServer(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleListAssociations(w http.ResponseWriter, r *http.Request) {
	associations := ra.mgmt.Associations()
	statuses := make([]AssociationStatus, 0, len(associations))
	for _, a := range associations {
		statuses = append(statuses, newAssociationStatus(a))
	}
	respond(w, r, statuses, nil)
}

func (ra *RestAPI) handleAddAssociation(w http.ResponseWriter, r *http.Request) {
	var req AssociationRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, nil, err)
		return
	}

	var (
		a   *assoc.Association
		err error
	)
	if req.ServerName != "" {
		a, err = ra.mgmt.AddServerAssociation(req.PeerAddress, req.PeerPort, req.ServerName, req.Name, req.ChannelType)
	} else {
		a, err = ra.mgmt.AddAssociation(req.HostAddress, req.HostPort, req.PeerAddress, req.PeerPort,
			req.Name, req.ChannelType, req.ExtraHostAddresses)
	}
	if err != nil {
		respond(w, r, nil, err)
		return
	}
	respond(w, r, newAssociationStatus(a), nil)
}

func (ra *RestAPI) handleGetAssociation(w http.ResponseWriter, r *http.Request) {
	if a, err := ra.mgmt.GetAssociation(mux.Vars(r)["name"]); err != nil {
		respond(w, r, nil, err)
	} else {
		respond(w, r, newAssociationStatus(a), nil)
	}
}

func (ra *RestAPI) handleModifyAssociation(w http.ResponseWriter, r *http.Request) {
	var req AssociationModifyRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, nil, err)
		return
	}
	respond(w, r, nil, ra.mgmt.ModifyAssociation(mux.Vars(r)["name"], req.modification()))
}

func (ra *RestAPI) handleRemoveAssociation(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.RemoveAssociation(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleStartAssociation(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.StartAssociation(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleStopAssociation(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.StopAssociation(mux.Vars(r)["name"]))
}

func (ra *RestAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(r, &req); err != nil {
		respond(w, r, nil, err)
		return
	}

	a, err := ra.mgmt.GetAssociation(mux.Vars(r)["name"])
	if err != nil {
		respond(w, r, nil, err)
		return
	}

	pd := assoc.NewPayloadData(req.Data, req.Stream, req.PayloadProtocolId)
	pd.Unordered = req.Unordered
	respond(w, r, nil, a.Send(pd))
}

func (ra *RestAPI) handleRemoveAllResources(w http.ResponseWriter, r *http.Request) {
	respond(w, r, nil, ra.mgmt.RemoveAllResources())
}
