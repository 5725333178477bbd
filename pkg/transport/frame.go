// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Frame kinds of the TCP channel.
const (
	frameInit uint64 = 0
	frameData uint64 = 1
)

// frame is the unit written on a TCP channel. Each frame is prefixed by a CBOR
// byte string length header, the same way the minimal TCP convergence layer
// separates its bundles. A header of length zero is a keepalive.
//
// An INIT frame is a CBOR array [0, inbound streams, outbound streams], a DATA
// frame is [1, stream, ppid, unordered, payload].
type frame struct {
	kind uint64

	inStreams  uint64
	outStreams uint64

	msg Message
}

func newInitFrame(in, out int) *frame {
	return &frame{kind: frameInit, inStreams: uint64(in), outStreams: uint64(out)}
}

func newDataFrame(msg Message) *frame {
	return &frame{kind: frameData, msg: msg}
}

func (f *frame) MarshalCbor(w io.Writer) error {
	switch f.kind {
	case frameInit:
		if err := cboring.WriteArrayLength(3, w); err != nil {
			return err
		}
		for _, n := range []uint64{frameInit, f.inStreams, f.outStreams} {
			if err := cboring.WriteUInt(n, w); err != nil {
				return err
			}
		}
		return nil

	case frameData:
		if err := cboring.WriteArrayLength(5, w); err != nil {
			return err
		}
		for _, n := range []uint64{frameData, uint64(f.msg.Stream), uint64(f.msg.PayloadProtocolID)} {
			if err := cboring.WriteUInt(n, w); err != nil {
				return err
			}
		}
		if err := cboring.WriteBoolean(f.msg.Unordered, w); err != nil {
			return err
		}
		return cboring.WriteByteString(f.msg.Data, w)

	default:
		return fmt.Errorf("unknown frame kind %d", f.kind)
	}
}

func (f *frame) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	if f.kind, err = cboring.ReadUInt(r); err != nil {
		return err
	}

	switch f.kind {
	case frameInit:
		if n != 3 {
			return fmt.Errorf("INIT frame expected array length of 3, got %d elements", n)
		}
		if f.inStreams, err = cboring.ReadUInt(r); err != nil {
			return err
		}
		if f.outStreams, err = cboring.ReadUInt(r); err != nil {
			return err
		}
		return nil

	case frameData:
		if n != 5 {
			return fmt.Errorf("DATA frame expected array length of 5, got %d elements", n)
		}

		stream, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		} else if stream > 0xffff {
			return fmt.Errorf("DATA frame stream %d exceeds 16 bit", stream)
		}

		ppid, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		} else if ppid > 0xffffffff {
			return fmt.Errorf("DATA frame ppid %d exceeds 32 bit", ppid)
		}

		unordered, err := cboring.ReadBoolean(r)
		if err != nil {
			return err
		}

		data, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}

		f.msg = Message{
			Data:              data,
			Stream:            uint16(stream),
			PayloadProtocolID: uint32(ppid),
			Unordered:         unordered,
		}
		return nil

	default:
		return fmt.Errorf("unknown frame kind %d", f.kind)
	}
}

// writeFrame writes the length header and the frame and flushes the writer.
func writeFrame(w *bufio.Writer, f *frame) error {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(f, buff); err != nil {
		return err
	}

	if err := cboring.WriteByteStringLen(uint64(buff.Len()), w); err != nil {
		return err
	}
	if _, err := buff.WriteTo(w); err != nil {
		return err
	}
	return w.Flush()
}

// writeKeepalive writes an empty frame header.
func writeKeepalive(w *bufio.Writer) error {
	if err := cboring.WriteByteStringLen(0, w); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame reads the next non-empty frame. A clean end of the stream before a
// frame header is returned as io.EOF.
func readFrame(r *bufio.Reader) (*frame, error) {
	for {
		if _, err := r.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}

		n, err := cboring.ReadByteStringLen(r)
		if err != nil {
			return nil, err
		} else if n == 0 {
			continue
		} else if n > MaxMessageSize+64 {
			return nil, fmt.Errorf("frame of %d bytes exceeds the maximum message size", n)
		}

		buff := make([]byte, n)
		if _, err := io.ReadFull(r, buff); err != nil {
			return nil, err
		}

		f := new(frame)
		if err := cboring.Unmarshal(f, bytes.NewReader(buff)); err != nil {
			return nil, err
		}
		return f, nil
	}
}
