// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"net/netip"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
)

// Direction is the traffic direction relative to the local host.
type Direction uint8

const (
	DirectionOutbound      Direction = 0
	DirectionInbound       Direction = 1
	DirectionNotApplicable Direction = 255
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "n/a"
	}
}

// Info is the normalized description of one classify event.
type Info struct {
	ProcessID         *uint64
	Direction         Direction
	IPv6              bool
	Protocol          Protocol
	LocalIP           netip.Addr
	RemoteIP          netip.Addr
	LocalPort         uint16
	RemotePort        uint16
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// Key returns the flow key described by i.
func (i Info) Key() Key {
	return Key{
		Protocol:      i.Protocol,
		LocalAddress:  i.LocalIP,
		LocalPort:     i.LocalPort,
		RemoteAddress: i.RemoteIP,
		RemotePort:    i.RemotePort,
	}
}

// WithKey returns a copy of i with addressing taken from k. Packet layers
// carry no ports in their field set, so the dispatcher fills them from the
// parsed headers.
func (i Info) WithKey(k Key) Info {
	i.Protocol = k.Protocol
	i.LocalIP = k.LocalAddress
	i.LocalPort = k.LocalPort
	i.RemoteIP = k.RemoteAddress
	i.RemotePort = k.RemotePort
	return i
}

func (i Info) String() string {
	pid := "-"
	if i.ProcessID != nil {
		pid = fmt.Sprintf("%d", *i.ProcessID)
	}
	return fmt.Sprintf("pid=%s %s %s if=%d.%d", pid, i.Direction, i.Key(), i.InterfaceIndex, i.SubInterfaceIndex)
}

// InfoFromFields extracts Info from a layer's field set. A layer the engine
// does not know, or fields that do not belong to layer, are logged and yield a
// default Info with DirectionNotApplicable together with a KindUnsupported
// error. The returned Info is always usable.
func InfoFromFields(layer Layer, fields Fields, pid *uint64, log *diag.Buffer) (Info, error) {
	if fields == nil || fields.Layer() != layer {
		err := errors.Errorf(errors.KindUnsupported, "unsupported layer %s (fields %T)", layer, fields)
		log.Errorf("%v", err)
		return Info{Direction: DirectionNotApplicable}, err
	}

	switch f := fields.(type) {
	case InboundIPPacketFields:
		return Info{
			Direction:         DirectionInbound,
			LocalIP:           f.LocalAddress,
			RemoteIP:          f.RemoteAddress,
			InterfaceIndex:    f.InterfaceIndex,
			SubInterfaceIndex: f.SubInterfaceIndex,
		}, nil
	case OutboundIPPacketFields:
		return Info{
			Direction:         DirectionOutbound,
			LocalIP:           f.LocalAddress,
			RemoteIP:          f.RemoteAddress,
			InterfaceIndex:    f.InterfaceIndex,
			SubInterfaceIndex: f.SubInterfaceIndex,
		}, nil
	case ConnectFields:
		return f.endpoints.info(pid, DirectionOutbound), nil
	case RecvAcceptFields:
		return f.endpoints.info(pid, DirectionInbound), nil
	case ListenFields:
		return Info{
			ProcessID: pid,
			Direction: DirectionInbound,
			Protocol:  ProtocolTCP,
			LocalIP:   f.LocalAddress,
			LocalPort: f.LocalPort,
		}, nil
	case ConnectRedirectFields:
		return Info{
			ProcessID:  pid,
			Direction:  DirectionOutbound,
			Protocol:   f.Protocol,
			LocalIP:    f.LocalAddress,
			RemoteIP:   f.RemoteAddress,
			LocalPort:  f.LocalPort,
			RemotePort: f.RemotePort,
		}, nil
	case ResourceAssignmentFields:
		return f.resource.info(pid), nil
	case ResourceReleaseFields:
		return f.resource.info(pid), nil
	}

	// Fields is sealed; reaching here means a case above is missing.
	err := errors.Errorf(errors.KindInternal, "unhandled fields %T for layer %s", fields, layer)
	log.Critf("%v", err)
	return Info{Direction: DirectionNotApplicable}, err
}

func (e endpoints) info(pid *uint64, dir Direction) Info {
	return Info{
		ProcessID:         pid,
		Direction:         dir,
		Protocol:          e.Protocol,
		LocalIP:           e.LocalAddress,
		RemoteIP:          e.RemoteAddress,
		LocalPort:         e.LocalPort,
		RemotePort:        e.RemotePort,
		InterfaceIndex:    e.InterfaceIndex,
		SubInterfaceIndex: e.SubInterfaceIndex,
	}
}

func (r resource) info(pid *uint64) Info {
	return Info{
		ProcessID: pid,
		Direction: DirectionNotApplicable,
		Protocol:  r.Protocol,
		LocalIP:   r.LocalAddress,
		LocalPort: r.LocalPort,
	}
}
