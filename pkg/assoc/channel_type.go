// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"
	"strings"
)

// IpChannelType is the transport protocol of a Server or an Association.
type IpChannelType int

const (
	SCTP IpChannelType = iota
	TCP
)

func (t IpChannelType) String() string {
	switch t {
	case SCTP:
		return "sctp"
	case TCP:
		return "tcp"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseIpChannelType parses "sctp" or "tcp", ignoring case.
func ParseIpChannelType(s string) (IpChannelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sctp":
		return SCTP, nil
	case "tcp":
		return TCP, nil
	default:
		return 0, fmt.Errorf("%w: unknown channel type %q", ErrValidation, s)
	}
}

func (t IpChannelType) MarshalText() ([]byte, error) {
	if t != SCTP && t != TCP {
		return nil, fmt.Errorf("%w: unknown channel type %d", ErrValidation, int(t))
	}
	return []byte(t.String()), nil
}

func (t *IpChannelType) UnmarshalText(text []byte) (err error) {
	*t, err = ParseIpChannelType(string(text))
	return
}
