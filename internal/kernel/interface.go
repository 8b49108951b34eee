// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel abstracts the OS packet-filtering framework the engine is
// attached to. A backend delivers classify Events to a Classifier, lets the
// engine pend connection authorizations, and injects or discards packets the
// engine absorbed.
//
// Two backends exist: SimKernel, an in-memory framework used by tests and the
// --sim daemon mode, and LinuxKernel (linux only), built on nfqueue,
// nftables and conntrack.
package kernel

// Classifier receives every classify event. Implementations must set a
// result on ev before returning and must not block on I/O.
type Classifier interface {
	Classify(ev *Event)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ev *Event)

func (f ClassifierFunc) Classify(ev *Event) { f(ev) }

// CompletionHandle identifies a pended authorization.
type CompletionHandle uint64

// Framework is the pend/complete half of the filtering API.
type Framework interface {
	// PendOperation suspends the authorization carried by ev until
	// CompleteOperation is called with the returned handle.
	PendOperation(ev *Event) (CompletionHandle, error)
	// CompleteOperation resumes a pended authorization. The framework
	// classifies it again with Event.Reauthorize set.
	CompleteOperation(h CompletionHandle) error
	// ResetCalloutFilter makes the framework re-authorize traffic that was
	// previously classified by the given callout.
	ResetCalloutFilter(calloutIndex int) error
}

// HandleKind selects the injection path a handle serves.
type HandleKind uint8

const (
	HandleNetwork HandleKind = iota
	HandleTransport
)

func (k HandleKind) String() string {
	if k == HandleTransport {
		return "transport"
	}
	return "network"
}

// InjectionHandle is an opaque injection handle.
type InjectionHandle uint64

// InjectionState is the provenance of a packet relative to a handle.
type InjectionState uint8

const (
	NotInjected InjectionState = iota
	InjectedBySelf
	InjectedByOther
	PreviouslyInjectedBySelf
)

func (s InjectionState) String() string {
	switch s {
	case InjectedBySelf:
		return "injected-by-self"
	case InjectedByOther:
		return "injected-by-other"
	case PreviouslyInjectedBySelf:
		return "previously-injected-by-self"
	default:
		return "not-injected"
	}
}

// CompletionFunc is invoked once the framework is done with an injected
// packet. status is nil on success. After it returns the packet must not be
// used.
type CompletionFunc func(pkt *Packet, status error)

// InjectionAPI is the injection half of the filtering API. Inject calls
// transfer ownership of pkt to the framework, which always calls done
// exactly once unless the call itself returns an error, in which case
// ownership stays with the caller.
type InjectionAPI interface {
	CreateHandle(kind HandleKind) (InjectionHandle, error)
	DestroyHandle(h InjectionHandle) error

	SendNetwork(h InjectionHandle, pkt *Packet, done CompletionFunc) error
	ReceiveNetwork(h InjectionHandle, pkt *Packet, ifIndex, subIfIndex uint32, done CompletionFunc) error
	SendTransport(h InjectionHandle, pkt *Packet, tc *TransportContext, done CompletionFunc) error

	InjectionState(h InjectionHandle, pkt *Packet) InjectionState
	// Release discards a packet the engine absorbed without injecting it.
	Release(pkt *Packet)
}

// Backend is a complete framework binding.
type Backend interface {
	Framework
	InjectionAPI
	// Attach sets the classifier events are delivered to. It must be
	// called before Start.
	Attach(c Classifier)
}
