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

// package session tracks the live connectivity state of devices. A
// DeviceSession binds a device identity to the connection it is reachable
// through; the Manager owns every mutation of that record in the shared store.
package session

import (
	"net"
	"strconv"
	"time"
)

// Status is the connectivity state of a device session.
type Status int

const (
	// StatusUnconnected is the zero state of a session that was never online.
	StatusUnconnected Status = iota
	// StatusOnline means the device holds an authenticated connection.
	StatusOnline
	// StatusOffline means the device disconnected or timed out and the record
	// is awaiting deletion.
	StatusOffline
	// StatusDisabled means the device is administratively disabled.
	StatusDisabled
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusUnconnected:
		return "unconnected"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Protocol identifies the wire protocol a device is connected with.
type Protocol string

// ProtocolMQTT is the only connection-oriented protocol the gateway speaks.
const ProtocolMQTT Protocol = "mqtt"

// RemoteAddr is the network address of a connected device.
type RemoteAddr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// String renders the address as host:port.
func (a RemoteAddr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// AddrFrom converts a net.Addr into a RemoteAddr. Addresses that are not in
// host:port form are kept whole in IP.
func AddrFrom(addr net.Addr) RemoteAddr {
	if addr == nil {
		return RemoteAddr{}
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return RemoteAddr{IP: tcp.IP.String(), Port: tcp.Port}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return RemoteAddr{IP: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return RemoteAddr{IP: host, Port: p}
}

// DeviceSession is the live connectivity record of one device.
type DeviceSession struct {
	DeviceKey string `json:"deviceKey"`
	ClientID  string `json:"clientId"`
	// SessionID is unique per successful connect. A connection uses it to
	// recognise that its session was superseded by a newer connect.
	SessionID      string            `json:"sessionId"`
	Protocol       Protocol          `json:"protocol"`
	Status         Status            `json:"status"`
	RemoteAddr     RemoteAddr        `json:"remoteAddr"`
	ConnectTime    time.Time         `json:"connectTime"`
	LastOnlineTime time.Time         `json:"lastOnlineTime"`
	HeartbeatTime  time.Time         `json:"heartbeatTime"`
	DisconnectTime *time.Time        `json:"disconnectTime,omitempty"`
	TimeoutSeconds int               `json:"timeout"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Timeout returns the idle budget of the session as a duration.
func (s *DeviceSession) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// touch records liveness evidence. HeartbeatTime never moves backwards.
func (s *DeviceSession) touch(now time.Time) {
	if now.Before(s.HeartbeatTime) {
		now = s.HeartbeatTime
	}
	s.HeartbeatTime = now
	s.LastOnlineTime = now
}
