// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/assoc-go/pkg/assoc"
	"github.com/dtn7/assoc-go/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Management  managementConf
	Logging     logConf
	Api         apiConf
	Server      []serverConf
	Association []associationConf
}

// managementConf describes the Management-configuration block.
type managementConf struct {
	Name            string
	Store           string
	ConnectDelay    uint `toml:"connect-delay-ms"`
	PollTimeout     uint `toml:"poll-timeout-ms"`
	Workers         int
	InboundStreams  int `toml:"inbound-streams"`
	OutboundStreams int `toml:"outbound-streams"`

	// SCTPStack selects the SCTP implementation: "udp", the default, for SCTP
	// over UDP or "kernel" for the multi-homed kernel SCTP of Linux.
	SCTPStack string `toml:"sctp-stack"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// apiConf describes the REST and WebSocket management surface.
type apiConf struct {
	Listen string
}

// serverConf describes a "server" block.
type serverConf struct {
	Name            string
	Protocol        string
	Address         string
	Port            int
	ExtraAddresses  []string `toml:"extra-addresses"`
	AcceptAnonymous bool     `toml:"accept-anonymous"`
	MaxConnections  int      `toml:"max-connections"`
	Start           bool
}

// associationConf describes an "association" block. An association naming a
// server is accepted by it, otherwise it dials its peer.
type associationConf struct {
	Name           string
	Server         string
	Protocol       string
	Address        string
	Port           int
	PeerAddress    string   `toml:"peer-address"`
	PeerPort       int      `toml:"peer-port"`
	ExtraAddresses []string `toml:"extra-addresses"`
	Start          bool
}

// parseConfig reads the TOML file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	_, err = toml.DecodeFile(filename, &conf)
	return
}

// setupLogging configures logrus as described in the Logging block.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// managementConfig translates the Management block, except for its
// collaborators.
func (conf managementConf) managementConfig() (assoc.Config, error) {
	cfg := assoc.Config{
		ConnectDelay:       time.Duration(conf.ConnectDelay) * time.Millisecond,
		PollTimeout:        time.Duration(conf.PollTimeout) * time.Millisecond,
		Workers:            conf.Workers,
		MaxInboundStreams:  conf.InboundStreams,
		MaxOutboundStreams: conf.OutboundStreams,
	}

	switch conf.SCTPStack {
	case "", "udp":
	case "kernel":
		cfg.Transports = map[assoc.IpChannelType]transport.Transport{assoc.SCTP: transport.NewKernelSCTP()}
	default:
		return cfg, fmt.Errorf("unknown SCTP stack %q, select udp or kernel", conf.SCTPStack)
	}
	return cfg, nil
}

// addServer registers a configured Server unless a persisted one of the same
// name exists.
func addServer(mgmt *assoc.Management, conf serverConf) error {
	if _, err := mgmt.GetServer(conf.Name); err == nil {
		log.WithField("server", conf.Name).Debug("Server is already known, keeping the persisted one")
		return nil
	}

	ct, err := assoc.ParseIpChannelType(conf.Protocol)
	if err != nil {
		return fmt.Errorf("server %q: %w", conf.Name, err)
	}

	_, err = mgmt.AddServer(conf.Name, conf.Address, conf.Port, ct,
		conf.AcceptAnonymous, conf.MaxConnections, conf.ExtraAddresses)
	return err
}

// addAssociation registers a configured Association unless a persisted one of
// the same name exists.
func addAssociation(mgmt *assoc.Management, conf associationConf) error {
	if _, err := mgmt.GetAssociation(conf.Name); err == nil {
		log.WithField("association", conf.Name).Debug("Association is already known, keeping the persisted one")
		return nil
	}

	ct, err := assoc.ParseIpChannelType(conf.Protocol)
	if err != nil {
		return fmt.Errorf("association %q: %w", conf.Name, err)
	}

	if conf.Server != "" {
		_, err = mgmt.AddServerAssociation(conf.PeerAddress, conf.PeerPort, conf.Server, conf.Name, ct)
	} else {
		_, err = mgmt.AddAssociation(conf.Address, conf.Port, conf.PeerAddress, conf.PeerPort,
			conf.Name, ct, conf.ExtraAddresses)
	}
	return err
}
