// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// resolveTimeout bounds the lookup of a peer's hostname.
const resolveTimeout = 5 * time.Second

// validator collects all problems of an entity's configuration.
type validator struct {
	errs *multierror.Error
}

func (v *validator) fail(format string, a ...interface{}) {
	v.errs = multierror.Append(v.errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, a...)...))
}

func (v *validator) name(field, name string) {
	if name == "" {
		v.fail("%s must not be empty", field)
	} else if strings.IndexFunc(name, func(r rune) bool { return r <= ' ' || r == '/' }) >= 0 {
		v.fail("%s %q contains whitespace, control characters or slashes", field, name)
	}
}

func (v *validator) address(field, addr string) {
	if addr == "" {
		v.fail("%s must not be empty", field)
	} else if net.ParseIP(addr) == nil && !validHostname(addr) {
		v.fail("%s %q is neither an IP address nor a hostname", field, addr)
	}
}

func (v *validator) addresses(field string, addrs []string) {
	for _, addr := range addrs {
		v.address(field, addr)
	}
}

func (v *validator) port(field string, port int, allowZero bool) {
	if (port == 0 && !allowZero) || port < 0 || port > 0xffff {
		v.fail("%s %d is out of range", field, port)
	}
}

func (v *validator) channelType(ct IpChannelType) {
	if ct != SCTP && ct != TCP {
		v.fail("unknown channel type %d", int(ct))
	}
}

func (v *validator) nonNegative(field string, n int) {
	if n < 0 {
		v.fail("%s %d must not be negative", field, n)
	}
}

func (v *validator) err() error {
	return v.errs.ErrorOrNil()
}

// validHostname checks the syntax of a DNS name.
func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}

	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
				return false
			}
		}
	}
	return true
}

// resolveHost returns the IP addresses of an IP literal or a hostname.
func resolveHost(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %q: %v", ErrValidation, host, err)
	} else if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %q resolves to no address", ErrValidation, host)
	}
	return ips, nil
}

// resolveHosts resolves a primary and its extra addresses.
func resolveHosts(primary string, extra []string) ([]net.IP, error) {
	var ips []net.IP
	for _, host := range append([]string{primary}, extra...) {
		hostIPs, err := resolveHost(host)
		if err != nil {
			return nil, err
		}
		ips = append(ips, hostIPs...)
	}
	return ips, nil
}

// bindOverlap reports whether two sets of bind addresses collide. A wildcard
// address collides with any other.
func bindOverlap(a, b []net.IP) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, ip := range append(append([]net.IP(nil), a...), b...) {
		if ip.IsUnspecified() {
			return true
		}
	}
	return ipsOverlap(a, b)
}

func ipsOverlap(a, b []net.IP) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Equal(y) {
				return true
			}
		}
	}
	return false
}
