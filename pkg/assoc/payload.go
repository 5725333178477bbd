// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package assoc

import (
	"fmt"

	"github.com/dtn7/assoc-go/pkg/transport"
)

// PayloadData is one application message sent or received on an Association.
type PayloadData struct {
	Data         []byte
	StreamNumber uint16

	// PayloadProtocolId is carried by both channel types, but only SCTP peers
	// are expected to interpret it.
	PayloadProtocolId uint32

	Unordered bool

	// Complete is always true for delivered messages; partial deliveries are
	// reassembled before they reach a listener.
	Complete bool
}

// NewPayloadData for an ordered message on the given stream.
func NewPayloadData(data []byte, stream uint16, ppid uint32) PayloadData {
	return PayloadData{
		Data:              data,
		StreamNumber:      stream,
		PayloadProtocolId: ppid,
		Complete:          true,
	}
}

func (pd PayloadData) String() string {
	return fmt.Sprintf("PayloadData(stream=%d, ppid=%d, unordered=%t, len=%d)",
		pd.StreamNumber, pd.PayloadProtocolId, pd.Unordered, len(pd.Data))
}

func (pd PayloadData) message() transport.Message {
	return transport.Message{
		Data:              pd.Data,
		Stream:            pd.StreamNumber,
		PayloadProtocolID: pd.PayloadProtocolId,
		Unordered:         pd.Unordered,
	}
}

func payloadFromMessage(msg transport.Message) PayloadData {
	return PayloadData{
		Data:              msg.Data,
		StreamNumber:      msg.Stream,
		PayloadProtocolId: msg.PayloadProtocolID,
		Unordered:         msg.Unordered,
		Complete:          true,
	}
}
