// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dtn7/assoc-go/pkg/assoc"
)

// RemoteError is a failure reported by a RestAPI.
type RemoteError struct {
	Status int
	Kind   string
	Msg    string
}

func (err *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", err.Kind, err.Msg)
}

// Client calls a RestAPI.
type Client struct {
	base string
	http *http.Client
}

// NewClient for the RestAPI at base, e.g., "http://localhost:8080".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends the request body as JSON and decodes the response into result,
// if result is not nil.
func (c *Client) do(method, path string, body, result interface{}) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, c.base+path, &reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("%s %s returned %s", method, path, resp.Status)
		}
		return &RemoteError{Status: resp.StatusCode, Kind: errResp.Kind, Msg: errResp.Error}
	}

	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func entityPath(kind, name string, action ...string) string {
	path := "/" + kind + "/" + url.PathEscape(name)
	for _, a := range action {
		path += "/" + a
	}
	return path
}

// Servers lists all Servers.
func (c *Client) Servers() (servers []assoc.ServerRecord, err error) {
	err = c.do(http.MethodGet, "/servers", nil, &servers)
	return
}

// Server returns a single Server.
func (c *Client) Server(name string) (server assoc.ServerRecord, err error) {
	err = c.do(http.MethodGet, entityPath("servers", name), nil, &server)
	return
}

// AddServer creates a Server.
func (c *Client) AddServer(req ServerRequest) (server assoc.ServerRecord, err error) {
	err = c.do(http.MethodPost, "/servers", req, &server)
	return
}

// ModifyServer changes a stopped Server.
func (c *Client) ModifyServer(name string, req ServerModifyRequest) error {
	return c.do(http.MethodPatch, entityPath("servers", name), req, nil)
}

// RemoveServer removes a stopped Server.
func (c *Client) RemoveServer(name string) error {
	return c.do(http.MethodDelete, entityPath("servers", name), nil, nil)
}

// StartServer starts a Server.
func (c *Client) StartServer(name string) error {
	return c.do(http.MethodPost, entityPath("servers", name, "start"), nil, nil)
}

// StopServer stops a Server.
func (c *Client) StopServer(name string) error {
	return c.do(http.MethodPost, entityPath("servers", name, "stop"), nil, nil)
}

// Associations lists all Associations.
func (c *Client) Associations() (associations []AssociationStatus, err error) {
	err = c.do(http.MethodGet, "/associations", nil, &associations)
	return
}

// Association returns a single Association.
func (c *Client) Association(name string) (association AssociationStatus, err error) {
	err = c.do(http.MethodGet, entityPath("associations", name), nil, &association)
	return
}

// AddAssociation creates a client or, if ServerName is set, a server
// Association.
func (c *Client) AddAssociation(req AssociationRequest) (association AssociationStatus, err error) {
	err = c.do(http.MethodPost, "/associations", req, &association)
	return
}

// ModifyAssociation changes a stopped Association.
func (c *Client) ModifyAssociation(name string, req AssociationModifyRequest) error {
	return c.do(http.MethodPatch, entityPath("associations", name), req, nil)
}

// RemoveAssociation removes a stopped Association.
func (c *Client) RemoveAssociation(name string) error {
	return c.do(http.MethodDelete, entityPath("associations", name), nil, nil)
}

// StartAssociation starts an Association.
func (c *Client) StartAssociation(name string) error {
	return c.do(http.MethodPost, entityPath("associations", name, "start"), nil, nil)
}

// StopAssociation stops an Association.
func (c *Client) StopAssociation(name string) error {
	return c.do(http.MethodPost, entityPath("associations", name, "stop"), nil, nil)
}

// Send a payload over a connected Association.
func (c *Client) Send(name string, req SendRequest) error {
	return c.do(http.MethodPost, entityPath("associations", name, "send"), req, nil)
}

// RemoveAllResources stops and removes everything.
func (c *Client) RemoveAllResources() error {
	return c.do(http.MethodDelete, "/resources", nil, nil)
}
