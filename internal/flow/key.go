// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow defines the identity and classification vocabulary shared by
// the cache, the dispatcher and the control channel.
package flow

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Protocol is an IP protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "proto(" + strconv.Itoa(int(p)) + ")"
	}
}

// Supported reports whether flows of this protocol are tracked.
func (p Protocol) Supported() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// ParseProtocol accepts "tcp", "udp", "icmp" or a decimal protocol number.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "icmp":
		return ProtocolICMP, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid protocol %q", s)
	}
	return Protocol(n), nil
}

// Key identifies a flow from the local host's point of view. Inbound and
// outbound packets of the same conversation produce the same Key. Key is
// comparable and is used directly as a map key.
type Key struct {
	Protocol      Protocol
	LocalAddress  netip.Addr
	LocalPort     uint16
	RemoteAddress netip.Addr
	RemotePort    uint16
}

// NewKey builds a Key from endpoint pairs.
func NewKey(proto Protocol, local, remote netip.AddrPort) Key {
	return Key{
		Protocol:      proto,
		LocalAddress:  local.Addr(),
		LocalPort:     local.Port(),
		RemoteAddress: remote.Addr(),
		RemotePort:    remote.Port(),
	}
}

// Local returns the local endpoint.
func (k Key) Local() netip.AddrPort {
	return netip.AddrPortFrom(k.LocalAddress, k.LocalPort)
}

// Remote returns the remote endpoint.
func (k Key) Remote() netip.AddrPort {
	return netip.AddrPortFrom(k.RemoteAddress, k.RemotePort)
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s -> %s", k.Protocol, k.Local(), k.Remote())
}
