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

package mqtt

import (
	"github.com/mochi-mqtt/server/v2/packets"
)

// ConnectReason is the outcome of a CONNECT as reported in CONNACK.
type ConnectReason int

const (
	ConnectAccepted ConnectReason = iota
	ConnectUnsupportedVersion
	ConnectIdentifierRejected
	ConnectServerUnavailable
	ConnectBadCredentials
	ConnectNotAuthorized
)

// String returns the reason name used in logs and metric labels.
func (r ConnectReason) String() string {
	switch r {
	case ConnectAccepted:
		return "accepted"
	case ConnectUnsupportedVersion:
		return "unsupported_version"
	case ConnectIdentifierRejected:
		return "identifier_rejected"
	case ConnectServerUnavailable:
		return "server_unavailable"
	case ConnectBadCredentials:
		return "bad_credentials"
	case ConnectNotAuthorized:
		return "not_authorized"
	default:
		return "unknown"
	}
}

// MQTT 3.x CONNACK return codes.
var v3ConnackCodes = map[ConnectReason]byte{
	ConnectAccepted:           0x00,
	ConnectUnsupportedVersion: 0x01,
	ConnectIdentifierRejected: 0x02,
	ConnectServerUnavailable:  0x03,
	ConnectBadCredentials:     0x04,
	ConnectNotAuthorized:      0x05,
}

// MQTT 5 CONNACK reason codes.
var v5ConnackCodes = map[ConnectReason]byte{
	ConnectAccepted:           packets.CodeSuccess.Code,
	ConnectUnsupportedVersion: packets.ErrUnsupportedProtocolVersion.Code,
	ConnectIdentifierRejected: packets.ErrClientIdentifierNotValid.Code,
	ConnectServerUnavailable:  packets.ErrServerUnavailable.Code,
	ConnectBadCredentials:     packets.ErrBadUsernameOrPassword.Code,
	ConnectNotAuthorized:      packets.ErrNotAuthorized.Code,
}

// ConnackCode maps reason to the return code of the given protocol version.
func ConnackCode(version byte, reason ConnectReason) byte {
	if version == Version5 {
		return v5ConnackCodes[reason]
	}
	return v3ConnackCodes[reason]
}

// Connack builds the CONNACK for reason. Clients of an unsupported version
// are answered in the 3.1.1 encoding, which every client can parse.
func Connack(version byte, reason ConnectReason) *packets.Packet {
	if !SupportedVersion(version) {
		version = Version311
	}
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		ReasonCode:      ConnackCode(version, reason),
	}
}

// SupportedVersion reports whether version is one the gateway speaks.
func SupportedVersion(version byte) bool {
	return version == Version31 || version == Version311 || version == Version5
}

func ack(t, version byte, packetID uint16) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: t},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCode:      packets.CodeSuccess.Code,
	}
}

// Puback acknowledges a QoS 1 PUBLISH.
func Puback(version byte, packetID uint16) *packets.Packet {
	return ack(packets.Puback, version, packetID)
}

// Pubrec acknowledges receipt of a QoS 2 PUBLISH.
func Pubrec(version byte, packetID uint16) *packets.Packet {
	return ack(packets.Pubrec, version, packetID)
}

// Pubcomp completes a QoS 2 exchange after PUBREL.
func Pubcomp(version byte, packetID uint16) *packets.Packet {
	return ack(packets.Pubcomp, version, packetID)
}

// Suback grants each requested filter its QoS, capped at 2.
func Suback(version byte, packetID uint16, filters packets.Subscriptions) *packets.Packet {
	codes := make([]byte, len(filters))
	for i, f := range filters {
		q := f.Qos
		if q > 2 {
			q = 2
		}
		codes[i] = q
	}
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCodes:     codes,
	}
}

// Unsuback acknowledges an UNSUBSCRIBE of n filters.
func Unsuback(version byte, packetID uint16, n int) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
		ProtocolVersion: version,
		PacketID:        packetID,
	}
	if version == Version5 {
		pk.ReasonCodes = make([]byte, n)
	}
	return pk
}

// Pingresp answers PINGREQ.
func Pingresp() *packets.Packet {
	return &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
}

// Disconnect builds a server DISCONNECT. Only MQTT 5 defines one; callers
// must not send it to earlier clients.
func Disconnect(code packets.Code) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Disconnect},
		ProtocolVersion: Version5,
		ReasonCode:      code.Code,
	}
}
