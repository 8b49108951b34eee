// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sync"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/packet"
)

// InjectionPath records which injection call carried a packet.
type InjectionPath uint8

const (
	PathNetworkSend InjectionPath = iota
	PathNetworkReceive
	PathTransportSend
)

func (p InjectionPath) String() string {
	switch p {
	case PathNetworkReceive:
		return "network-receive"
	case PathTransportSend:
		return "transport-send"
	default:
		return "network-send"
	}
}

// Injection is one packet the simulator accepted for injection.
type Injection struct {
	Path       InjectionPath
	Handle     InjectionHandle
	Packet     *Packet
	Data       []byte
	IfIndex    uint32
	SubIfIndex uint32
	Transport  *TransportContext
}

type provenance struct {
	handle InjectionHandle
	state  InjectionState
}

// SimKernel is a deterministic in-memory Backend. Pended authorizations are
// held until completed, at which point they are classified again on the
// completing goroutine. Injection callbacks run synchronously.
type SimKernel struct {
	mu sync.Mutex

	classifier Classifier
	nextID     uint64

	pended     map[CompletionHandle]*Event
	handles    map[InjectionHandle]HandleKind
	provenance map[*Packet]provenance
	injections []Injection
	released   []*Packet
	resets     map[int]int
	completed  []Event

	// Fault injection knobs. Set before use.
	FailCreateHandle error
	FailPend         error
	FailInject       error
	// CompletionStatus is passed to every injection completion callback.
	CompletionStatus error
}

// NewSimKernel creates an empty simulator.
func NewSimKernel() *SimKernel {
	return &SimKernel{
		pended:     make(map[CompletionHandle]*Event),
		handles:    make(map[InjectionHandle]HandleKind),
		provenance: make(map[*Packet]provenance),
		resets:     make(map[int]int),
	}
}

func (s *SimKernel) Attach(c Classifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifier = c
}

func (s *SimKernel) next() uint64 {
	s.nextID++
	return s.nextID
}

// Deliver classifies ev and returns its result. An unset decision is
// reported as Continue.
func (s *SimKernel) Deliver(ev *Event) Result {
	s.mu.Lock()
	c := s.classifier
	s.mu.Unlock()

	if c == nil {
		ev.Continue()
		return ev.Result
	}
	c.Classify(ev)
	if ev.Result.Decision == DecisionNone {
		ev.Result.Decision = DecisionContinue
	}
	return ev.Result
}

// DeliverPacket classifies pkt at a packet layer. The callout index equals
// the layer value.
func (s *SimKernel) DeliverPacket(layer flow.Layer, pkt *Packet, ifIndex uint32) (Result, error) {
	h, err := packet.Decode(pkt.Data)
	if err != nil {
		return Result{}, err
	}
	src, dst := h.Source().Addr(), h.Destination().Addr()
	h.Release()

	var fields flow.Fields
	switch layer {
	case flow.LayerOutboundIPPacketV4:
		fields = flow.OutboundIPPacketFields{LocalAddress: src, RemoteAddress: dst, InterfaceIndex: ifIndex}
	case flow.LayerInboundIPPacketV4:
		fields = flow.InboundIPPacketFields{LocalAddress: dst, RemoteAddress: src, InterfaceIndex: ifIndex}
	default:
		return Result{}, errors.Errorf(errors.KindUnsupported, "%s is not a packet layer", layer)
	}
	ev := &Event{Layer: layer, Fields: fields, CalloutIndex: int(layer), Packet: pkt}
	return s.Deliver(ev), nil
}

// Connect simulates an outbound connection: the connect authorization
// followed by the first packet. The packet result is zero if the
// authorization was not permitted.
func (s *SimKernel) Connect(proto flow.Protocol, local, remote netip.AddrPort, pid uint64, payload []byte) (ale, first Result, pkt *Packet, err error) {
	ev := &Event{
		Layer:        flow.LayerALEAuthConnectV4,
		Fields:       flow.NewConnectFields(flow.Endpoints{Protocol: proto, Local: local, Remote: remote}),
		CalloutIndex: int(flow.LayerALEAuthConnectV4),
		ProcessID:    &pid,
	}
	ale = s.Deliver(ev)
	if ale.Decision != DecisionPermit {
		return ale, Result{}, nil, nil
	}

	data, err := packet.Build(packet.Spec{Protocol: proto, Src: local, Dst: remote, SYN: proto == flow.ProtocolTCP, Payload: payload})
	if err != nil {
		return ale, Result{}, nil, err
	}
	pkt = &Packet{ID: uint32(s.nextPacketID()), Data: data}
	first, err = s.DeliverPacket(flow.LayerOutboundIPPacketV4, pkt, 1)
	return ale, first, pkt, err
}

func (s *SimKernel) nextPacketID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

func (s *SimKernel) PendOperation(ev *Event) (CompletionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPend != nil {
		return 0, s.FailPend
	}
	h := CompletionHandle(s.next())
	pended := *ev
	s.pended[h] = &pended
	return h, nil
}

func (s *SimKernel) CompleteOperation(h CompletionHandle) error {
	s.mu.Lock()
	ev, ok := s.pended[h]
	delete(s.pended, h)
	s.mu.Unlock()

	if !ok {
		return errors.Errorf(errors.KindNotFound, "no pended operation %d", h)
	}

	ev.Reauthorize = true
	ev.Result = Result{}
	s.Deliver(ev)

	s.mu.Lock()
	s.completed = append(s.completed, *ev)
	s.mu.Unlock()
	return nil
}

func (s *SimKernel) ResetCalloutFilter(calloutIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[calloutIndex]++
	return nil
}

func (s *SimKernel) CreateHandle(kind HandleKind) (InjectionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreateHandle != nil {
		return 0, s.FailCreateHandle
	}
	h := InjectionHandle(s.next())
	s.handles[h] = kind
	return h, nil
}

func (s *SimKernel) DestroyHandle(h InjectionHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[h]; !ok {
		return errors.Errorf(errors.KindNotFound, "unknown injection handle %d", h)
	}
	delete(s.handles, h)
	return nil
}

func (s *SimKernel) inject(inj Injection, kind HandleKind, done CompletionFunc) error {
	s.mu.Lock()
	if got, ok := s.handles[inj.Handle]; !ok || got != kind {
		s.mu.Unlock()
		return errors.Errorf(errors.KindUnavailable, "invalid %s handle %d", kind, inj.Handle)
	}
	if s.FailInject != nil {
		s.mu.Unlock()
		return s.FailInject
	}
	inj.Data = append([]byte(nil), inj.Packet.Data...)
	s.injections = append(s.injections, inj)
	s.provenance[inj.Packet] = provenance{handle: inj.Handle, state: InjectedBySelf}
	status := s.CompletionStatus
	s.mu.Unlock()

	if done != nil {
		done(inj.Packet, status)
	}
	return nil
}

func (s *SimKernel) SendNetwork(h InjectionHandle, pkt *Packet, done CompletionFunc) error {
	return s.inject(Injection{Path: PathNetworkSend, Handle: h, Packet: pkt}, HandleNetwork, done)
}

func (s *SimKernel) ReceiveNetwork(h InjectionHandle, pkt *Packet, ifIndex, subIfIndex uint32, done CompletionFunc) error {
	return s.inject(Injection{Path: PathNetworkReceive, Handle: h, Packet: pkt, IfIndex: ifIndex, SubIfIndex: subIfIndex}, HandleNetwork, done)
}

func (s *SimKernel) SendTransport(h InjectionHandle, pkt *Packet, tc *TransportContext, done CompletionFunc) error {
	return s.inject(Injection{Path: PathTransportSend, Handle: h, Packet: pkt, Transport: tc}, HandleTransport, done)
}

func (s *SimKernel) InjectionState(h InjectionHandle, pkt *Packet) InjectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.provenance[pkt]
	if !ok {
		return NotInjected
	}
	if p.handle != h {
		return InjectedByOther
	}
	return p.state
}

// SetProvenance overrides the recorded injection state of pkt.
func (s *SimKernel) SetProvenance(pkt *Packet, h InjectionHandle, state InjectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance[pkt] = provenance{handle: h, state: state}
}

func (s *SimKernel) Release(pkt *Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, pkt)
}

// Injections returns a copy of the injection log.
func (s *SimKernel) Injections() []Injection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Injection(nil), s.injections...)
}

// Released returns the packets discarded through Release.
func (s *SimKernel) Released() []*Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Packet(nil), s.released...)
}

// Pending returns the number of pended authorizations.
func (s *SimKernel) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pended)
}

// Resets returns how many times calloutIndex was reset.
func (s *SimKernel) Resets(calloutIndex int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[calloutIndex]
}

// Completed returns the re-classified events of completed pends, with their
// results.
func (s *SimKernel) Completed() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.completed...)
}

// Handles returns the number of live injection handles.
func (s *SimKernel) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
