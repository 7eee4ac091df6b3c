// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqtt frames MQTT 3.1, 3.1.1 and 5.0 control packets on a byte
// stream. Packet bodies are decoded and encoded with the mochi-mqtt packets
// library; this package adds stream framing, a size limit and the set of
// server-originated acknowledgments the gateway sends.
package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Protocol versions carried in the CONNECT variable header.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// DefaultMaxPacketSize bounds the remaining length of an inbound packet when
// no other limit is configured.
const DefaultMaxPacketSize = 256 * 1024

var (
	// ErrPacketTooLarge is returned when a packet's remaining length exceeds
	// the reader's limit. The body is not read.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	// ErrMalformed wraps every failure to decode a packet that was fully
	// read off the wire.
	ErrMalformed = errors.New("malformed packet")
)

// Reader reads one control packet at a time from a stream.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	version byte
}

// NewReader creates a Reader on r. A non-positive maxSize selects
// DefaultMaxPacketSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize, version: Version311}
}

// SetProtocolVersion selects the version used to decode packets after
// CONNECT. Version 5 packets carry properties the earlier versions do not.
func (r *Reader) SetProtocolVersion(v byte) {
	r.version = v
}

// transportError reports whether err came from the stream rather than from
// the bytes read off it.
func transportError(err error) bool {
	var ne net.Error
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.As(err, &ne)
}

// ReadPacket reads and decodes the next packet. Packet types the gateway never
// acts on are returned with only the fixed header populated. Transport errors
// are returned unwrapped so callers can match io.EOF and net timeouts.
func (r *Reader) ReadPacket() (*packets.Packet, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return nil, err
	}
	fh := new(packets.FixedHeader)
	if err := fh.Decode(b); err != nil {
		return nil, fmt.Errorf("%w: fixed header: %v", ErrMalformed, err)
	}
	rem, _, err := packets.DecodeLength(r.r)
	if err != nil {
		if transportError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: remaining length: %v", ErrMalformed, err)
	}
	if rem > r.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, rem, r.maxSize)
	}
	fh.Remaining = rem

	buf := make([]byte, rem)
	if rem > 0 {
		if _, err := io.ReadFull(r.r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: r.version}
	switch fh.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, TypeName(fh.Type), err)
	}
	return pk, nil
}

// WritePacket encodes pk and writes it to w in a single call.
func WritePacket(w io.Writer, pk *packets.Packet) error {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(&buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		return fmt.Errorf("unsupported packet type for writing: %s", TypeName(pk.FixedHeader.Type))
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", TypeName(pk.FixedHeader.Type), err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

var typeNames = [...]string{
	"RESERVED", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "AUTH",
}

// TypeName returns the control packet name for logging.
func TypeName(t byte) string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("TYPE(%d)", t)
}
