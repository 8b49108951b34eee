// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"net/netip"

	"grimm.is/interceptor/internal/flow"
)

// Decision is the framework action chosen for a classify event.
type Decision uint8

const (
	// DecisionNone means the classifier set nothing. Backends treat it as
	// Continue.
	DecisionNone Decision = iota
	DecisionPermit
	DecisionContinue
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionPermit:
		return "permit"
	case DecisionContinue:
		return "continue"
	case DecisionBlock:
		return "block"
	default:
		return "none"
	}
}

// Result is what a classify call hands back to the framework.
type Result struct {
	Decision Decision
	// Absorb means the engine took ownership of the packet; the framework
	// must neither deliver nor free it.
	Absorb bool
}

func (r Result) String() string {
	if r.Absorb {
		return r.Decision.String() + "+absorb"
	}
	return r.Decision.String()
}

// TransportContext carries what a transport-layer reinjection needs.
type TransportContext struct {
	EndpointHandle uint64
	RemoteAddress  netip.Addr
	RemoteScopeID  uint32
	ControlData    []byte
}

// Packet is a packet buffer owned by whoever holds the pointer. ID is the
// backend's identifier for a packet it is still holding (zero when the
// packet is a copy the backend does not track).
type Packet struct {
	ID        uint32
	Data      []byte
	Mark      uint32
	Transport *TransportContext

	// Where the packet was seen, so a copy can be reinjected on the same
	// path later.
	Inbound    bool
	IfIndex    uint32
	SubIfIndex uint32
}

// Clone deep-copies p, dropping the backend ID: the copy is owned by the
// engine, not the framework.
func (p *Packet) Clone() *Packet {
	c := &Packet{
		Data:       append([]byte(nil), p.Data...),
		Mark:       p.Mark,
		Inbound:    p.Inbound,
		IfIndex:    p.IfIndex,
		SubIfIndex: p.SubIfIndex,
	}
	if p.Transport != nil {
		tc := *p.Transport
		tc.ControlData = append([]byte(nil), p.Transport.ControlData...)
		c.Transport = &tc
	}
	return c
}

// Event is one classify call.
type Event struct {
	Layer        flow.Layer
	Fields       flow.Fields
	CalloutIndex int
	FilterID     uint64
	ProcessID    *uint64
	// Packet is the packet under classification. It is nil on layers that
	// see no packet.
	Packet *Packet
	// Reauthorize is set when the framework classifies an operation again
	// after a pend completed or a filter reset.
	Reauthorize bool

	Result Result
}

func (e *Event) Permit()         { e.Result = Result{Decision: DecisionPermit} }
func (e *Event) Continue()       { e.Result = Result{Decision: DecisionContinue} }
func (e *Event) Block()          { e.Result = Result{Decision: DecisionBlock} }
func (e *Event) BlockAndAbsorb() { e.Result = Result{Decision: DecisionBlock, Absorb: true} }

func (e *Event) String() string {
	return fmt.Sprintf("%s callout=%d reauth=%t -> %s", e.Layer, e.CalloutIndex, e.Reauthorize, e.Result)
}
