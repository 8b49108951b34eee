// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"net/netip"
)

// Layer names an interception point. The set is closed.
type Layer uint8

const (
	LayerUnknown Layer = iota
	LayerOutboundIPPacketV4
	LayerInboundIPPacketV4
	LayerALEAuthConnectV4
	LayerALEAuthRecvAcceptV4
	LayerALEAuthListenV4
	LayerALEConnectRedirectV4
	LayerALEResourceAssignmentV4
	LayerALEResourceReleaseV4
)

var layerNames = [...]string{
	LayerUnknown:                 "unknown",
	LayerOutboundIPPacketV4:      "outbound-ip-packet-v4",
	LayerInboundIPPacketV4:       "inbound-ip-packet-v4",
	LayerALEAuthConnectV4:        "ale-auth-connect-v4",
	LayerALEAuthRecvAcceptV4:     "ale-auth-recv-accept-v4",
	LayerALEAuthListenV4:         "ale-auth-listen-v4",
	LayerALEConnectRedirectV4:    "ale-connect-redirect-v4",
	LayerALEResourceAssignmentV4: "ale-resource-assignment-v4",
	LayerALEResourceReleaseV4:    "ale-resource-release-v4",
}

func (l Layer) String() string {
	if int(l) < len(layerNames) {
		return layerNames[l]
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

// IsPacket reports whether l carries whole IP packets.
func (l Layer) IsPacket() bool {
	return l == LayerOutboundIPPacketV4 || l == LayerInboundIPPacketV4
}

// IsALE reports whether l is a connection-authorization layer whose
// operations can be pended.
func (l Layer) IsALE() bool {
	switch l {
	case LayerALEAuthConnectV4, LayerALEAuthRecvAcceptV4, LayerALEAuthListenV4, LayerALEConnectRedirectV4:
		return true
	}
	return false
}

// Layers lists every known layer in declaration order.
func Layers() []Layer {
	return []Layer{
		LayerOutboundIPPacketV4,
		LayerInboundIPPacketV4,
		LayerALEAuthConnectV4,
		LayerALEAuthRecvAcceptV4,
		LayerALEAuthListenV4,
		LayerALEConnectRedirectV4,
		LayerALEResourceAssignmentV4,
		LayerALEResourceReleaseV4,
	}
}

// Fields is the per-layer field set delivered with a classify event. The
// implementations below are the only ones.
type Fields interface {
	Layer() Layer
	sealed()
}

type endpoints struct {
	Protocol          Protocol
	LocalAddress      netip.Addr
	RemoteAddress     netip.Addr
	LocalPort         uint16
	RemotePort        uint16
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

type resource struct {
	Protocol     Protocol
	LocalAddress netip.Addr
	LocalPort    uint16
}

// OutboundIPPacketFields accompany outbound IPv4 packets.
type OutboundIPPacketFields struct {
	LocalAddress      netip.Addr
	RemoteAddress     netip.Addr
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// InboundIPPacketFields accompany inbound IPv4 packets.
type InboundIPPacketFields struct {
	LocalAddress      netip.Addr
	RemoteAddress     netip.Addr
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// ConnectFields accompany outbound connection authorization.
type ConnectFields struct{ endpoints }

// RecvAcceptFields accompany inbound connection acceptance.
type RecvAcceptFields struct{ endpoints }

// ListenFields accompany a TCP listen. Only the local endpoint is known.
type ListenFields struct {
	LocalAddress netip.Addr
	LocalPort    uint16
}

// ConnectRedirectFields accompany the connect-redirect layer, which carries
// no interface indices.
type ConnectRedirectFields struct {
	Protocol      Protocol
	LocalAddress  netip.Addr
	RemoteAddress netip.Addr
	LocalPort     uint16
	RemotePort    uint16
}

// ResourceAssignmentFields accompany a local port bind.
type ResourceAssignmentFields struct{ resource }

// ResourceReleaseFields accompany a local port release.
type ResourceReleaseFields struct{ resource }

// Endpoints describes the connection tuple for ConnectFields and
// RecvAcceptFields constructors.
type Endpoints struct {
	Protocol          Protocol
	Local             netip.AddrPort
	Remote            netip.AddrPort
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

func (e Endpoints) fields() endpoints {
	return endpoints{
		Protocol:          e.Protocol,
		LocalAddress:      e.Local.Addr(),
		RemoteAddress:     e.Remote.Addr(),
		LocalPort:         e.Local.Port(),
		RemotePort:        e.Remote.Port(),
		InterfaceIndex:    e.InterfaceIndex,
		SubInterfaceIndex: e.SubInterfaceIndex,
	}
}

// NewConnectFields builds the field set for LayerALEAuthConnectV4.
func NewConnectFields(e Endpoints) ConnectFields { return ConnectFields{e.fields()} }

// NewRecvAcceptFields builds the field set for LayerALEAuthRecvAcceptV4.
func NewRecvAcceptFields(e Endpoints) RecvAcceptFields { return RecvAcceptFields{e.fields()} }

// NewResourceAssignmentFields builds the field set for LayerALEResourceAssignmentV4.
func NewResourceAssignmentFields(proto Protocol, local netip.AddrPort) ResourceAssignmentFields {
	return ResourceAssignmentFields{resource{proto, local.Addr(), local.Port()}}
}

// NewResourceReleaseFields builds the field set for LayerALEResourceReleaseV4.
func NewResourceReleaseFields(proto Protocol, local netip.AddrPort) ResourceReleaseFields {
	return ResourceReleaseFields{resource{proto, local.Addr(), local.Port()}}
}

func (OutboundIPPacketFields) Layer() Layer   { return LayerOutboundIPPacketV4 }
func (InboundIPPacketFields) Layer() Layer    { return LayerInboundIPPacketV4 }
func (ConnectFields) Layer() Layer            { return LayerALEAuthConnectV4 }
func (RecvAcceptFields) Layer() Layer         { return LayerALEAuthRecvAcceptV4 }
func (ListenFields) Layer() Layer             { return LayerALEAuthListenV4 }
func (ConnectRedirectFields) Layer() Layer    { return LayerALEConnectRedirectV4 }
func (ResourceAssignmentFields) Layer() Layer { return LayerALEResourceAssignmentV4 }
func (ResourceReleaseFields) Layer() Layer    { return LayerALEResourceReleaseV4 }

func (OutboundIPPacketFields) sealed()   {}
func (InboundIPPacketFields) sealed()    {}
func (ConnectFields) sealed()            {}
func (RecvAcceptFields) sealed()         {}
func (ListenFields) sealed()             {}
func (ConnectRedirectFields) sealed()    {}
func (ResourceAssignmentFields) sealed() {}
func (ResourceReleaseFields) sealed()    {}
