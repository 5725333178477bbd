// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dtn7/assoc-go/pkg/api"
	"github.com/dtn7/assoc-go/pkg/assoc"
)

// printUsage of assoc-ctl and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s api-url command [arguments]:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "  servers | associations\n")
	_, _ = fmt.Fprintf(os.Stderr, "    Lists all servers or associations as JSON.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "  add-server name tcp|sctp address port [accept-anonymous max-connections]\n")
	_, _ = fmt.Fprintf(os.Stderr, "  add-association name tcp|sctp address port peer-address peer-port\n")
	_, _ = fmt.Fprintf(os.Stderr, "  add-server-association name server tcp|sctp peer-address peer-port\n")
	_, _ = fmt.Fprintf(os.Stderr, "    Creates a stopped entity; a port of 0 is ephemeral, a peer port of 0 a wildcard.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "  modify-server name field value\n")
	_, _ = fmt.Fprintf(os.Stderr, "  modify-association name field value\n")
	_, _ = fmt.Fprintf(os.Stderr, "    Changes one field of a stopped entity, e.g., \"port 2906\" or \"peer-port 2906\".\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "  start-server | stop-server | remove-server name\n")
	_, _ = fmt.Fprintf(os.Stderr, "  start-association | stop-association | remove-association name\n")
	_, _ = fmt.Fprintf(os.Stderr, "  send name stream ppid message\n")
	_, _ = fmt.Fprintf(os.Stderr, "  remove-all\n")

	os.Exit(1)
}

// printFailure prints the error, prefixed by its kind for RemoteErrors, and
// exits.
func printFailure(err error) {
	var remoteErr *api.RemoteError
	if errors.As(err, &remoteErr) {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", remoteErr.Kind, remoteErr.Msg)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printFailure(err)
	}
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		printFailure(fmt.Errorf("%q is not a number", s))
	}
	return n
}

func parseChannelType(s string) assoc.IpChannelType {
	ct, err := assoc.ParseIpChannelType(s)
	if err != nil {
		printFailure(err)
	}
	return ct
}

func requireArgs(args []string, n int) {
	if len(args) != n {
		printUsage()
	}
}

func main() {
	if len(os.Args) < 3 {
		printUsage()
	}

	client := api.NewClient(os.Args[1])
	args := os.Args[3:]

	var (
		result interface{}
		err    error
	)

	switch cmd := os.Args[2]; cmd {
	case "servers":
		result, err = client.Servers()

	case "associations":
		result, err = client.Associations()

	case "add-server":
		if len(args) != 4 && len(args) != 6 {
			printUsage()
		}
		req := api.ServerRequest{
			Name:        args[0],
			ChannelType: parseChannelType(args[1]),
			HostAddress: args[2],
			HostPort:    parseInt(args[3]),
		}
		if len(args) == 6 {
			req.AcceptAnonymous = args[4] == "true"
			req.MaxConcurrentConnections = parseInt(args[5])
		}
		result, err = client.AddServer(req)

	case "add-association":
		requireArgs(args, 6)
		result, err = client.AddAssociation(api.AssociationRequest{
			Name:        args[0],
			ChannelType: parseChannelType(args[1]),
			HostAddress: args[2],
			HostPort:    parseInt(args[3]),
			PeerAddress: args[4],
			PeerPort:    parseInt(args[5]),
		})

	case "add-server-association":
		requireArgs(args, 5)
		result, err = client.AddAssociation(api.AssociationRequest{
			Name:        args[0],
			ServerName:  args[1],
			ChannelType: parseChannelType(args[2]),
			PeerAddress: args[3],
			PeerPort:    parseInt(args[4]),
		})

	case "modify-server":
		requireArgs(args, 3)
		err = client.ModifyServer(args[0], serverModification(args[1], args[2]))

	case "modify-association":
		requireArgs(args, 3)
		err = client.ModifyAssociation(args[0], associationModification(args[1], args[2]))

	case "start-server", "stop-server", "remove-server",
		"start-association", "stop-association", "remove-association":
		requireArgs(args, 1)
		err = entityAction(client, cmd, args[0])

	case "send":
		requireArgs(args, 4)
		err = client.Send(args[0], api.SendRequest{
			Data:              []byte(args[3]),
			Stream:            uint16(parseInt(args[1])),
			PayloadProtocolId: uint32(parseInt(args[2])),
		})

	case "remove-all":
		requireArgs(args, 0)
		err = client.RemoveAllResources()

	default:
		printUsage()
	}

	if err != nil {
		printFailure(err)
	}

	if result != nil {
		printJSON(result)
	} else {
		fmt.Println("OK")
	}
}

func entityAction(client *api.Client, cmd, name string) error {
	switch cmd {
	case "start-server":
		return client.StartServer(name)
	case "stop-server":
		return client.StopServer(name)
	case "remove-server":
		return client.RemoveServer(name)
	case "start-association":
		return client.StartAssociation(name)
	case "stop-association":
		return client.StopAssociation(name)
	default:
		return client.RemoveAssociation(name)
	}
}

func serverModification(field, value string) (req api.ServerModifyRequest) {
	switch field {
	case "address":
		req.HostAddress = &value
	case "port":
		port := parseInt(value)
		req.HostPort = &port
	case "protocol":
		ct := parseChannelType(value)
		req.ChannelType = &ct
	case "accept-anonymous":
		accept := value == "true"
		req.AcceptAnonymous = &accept
	case "max-connections":
		maxConns := parseInt(value)
		req.MaxConcurrentConnections = &maxConns
	default:
		printFailure(fmt.Errorf("unknown server field %q", field))
	}
	return
}

func associationModification(field, value string) (req api.AssociationModifyRequest) {
	switch field {
	case "address":
		req.HostAddress = &value
	case "port":
		port := parseInt(value)
		req.HostPort = &port
	case "peer-address":
		req.PeerAddress = &value
	case "peer-port":
		port := parseInt(value)
		req.PeerPort = &port
	case "protocol":
		ct := parseChannelType(value)
		req.ChannelType = &ct
	default:
		printFailure(fmt.Errorf("unknown association field %q", field))
	}
	return
}
