// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package inject reinjects packets the engine absorbed, rewritten or not.
//
// The Injector owns one network and one transport injection handle for the
// life of the engine. If either cannot be created it runs degraded: every
// injection fails and nothing is recognized as self-injected, so callers
// must fail closed.
package inject

import (
	"net/netip"
	"sync"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/metrics"
	"grimm.is/interceptor/internal/packet"
)

// ErrInvalidHandle is returned by every injection while degraded.
var ErrInvalidHandle = errors.New(errors.KindUnavailable, "injection handles unavailable")

// Info selects the injection path for a packet.
type Info struct {
	Inbound           bool
	Loopback          bool
	InterfaceIndex    uint32
	SubInterfaceIndex uint32
}

// Injector wraps an InjectionAPI with handle lifetime and completion
// bookkeeping.
type Injector struct {
	api     kernel.InjectionAPI
	log     *diag.Buffer
	metrics *metrics.Metrics

	network   kernel.InjectionHandle
	transport kernel.InjectionHandle
	degraded  bool

	closeOnce sync.Once
}

// New creates both handles. Failure is logged and leaves the Injector
// degraded rather than returning an error.
func New(api kernel.InjectionAPI, log *diag.Buffer, m *metrics.Metrics) *Injector {
	inj := &Injector{api: api, log: log, metrics: m}

	var err error
	if inj.network, err = api.CreateHandle(kernel.HandleNetwork); err != nil {
		log.Critf("failed to create network injection handle: %v", err)
		inj.degraded = true
	}
	if inj.transport, err = api.CreateHandle(kernel.HandleTransport); err != nil {
		log.Critf("failed to create transport injection handle: %v", err)
		inj.degraded = true
	}
	if inj.degraded {
		// Whatever did get created is useless on its own.
		inj.destroy()
	}
	m.SetDegraded(inj.degraded)
	return inj
}

// Degraded reports whether injection is unavailable.
func (i *Injector) Degraded() bool {
	return i.degraded
}

// RedirectOutbound rewrites pkt toward target.
func (i *Injector) RedirectOutbound(pkt *kernel.Packet, target netip.AddrPort) error {
	return packet.RedirectOutbound(pkt.Data, target)
}

// RedirectInbound rewrites a reply so it appears to come from original.
func (i *Injector) RedirectInbound(pkt *kernel.Packet, local netip.Addr, original netip.AddrPort) error {
	return packet.RedirectInbound(pkt.Data, local, original)
}

// Inject hands pkt to the framework. Packets carrying a transport context
// go out the transport path; others use the network path, as a receive when
// inbound on a non-loopback interface and as a send otherwise.
//
// On success ownership of pkt passes to the framework. On failure pkt is
// released here; the caller must not touch it either way.
func (i *Injector) Inject(pkt *kernel.Packet, info Info) error {
	if i.degraded {
		i.log.Errorf("dropping packet, injector degraded: %s", packet.Describe(pkt.Data))
		i.api.Release(pkt)
		i.metrics.Injected("degraded", ErrInvalidHandle)
		return ErrInvalidHandle
	}

	var (
		path string
		err  error
	)
	switch {
	case pkt.Transport != nil:
		path = kernel.PathTransportSend.String()
		err = i.api.SendTransport(i.transport, pkt, pkt.Transport, i.completion(path))
	case info.Inbound && !info.Loopback:
		path = kernel.PathNetworkReceive.String()
		err = i.api.ReceiveNetwork(i.network, pkt, info.InterfaceIndex, info.SubInterfaceIndex, i.completion(path))
	default:
		path = kernel.PathNetworkSend.String()
		err = i.api.SendNetwork(i.network, pkt, i.completion(path))
	}

	if err != nil {
		i.log.Errorf("%s injection failed: %v", path, err)
		i.metrics.Injected(path, err)
		i.api.Release(pkt)
		return errors.Attr(errors.Wrapf(err, errors.KindInjection, "%s injection", path), "path", path)
	}
	return nil
}

// completion logs a failed asynchronous injection. The packet is the
// framework's to free once the callback returns.
func (i *Injector) completion(path string) kernel.CompletionFunc {
	return func(pkt *kernel.Packet, status error) {
		i.metrics.Injected(path, status)
		if status != nil {
			i.log.Errorf("%s injection completed with error: %v", path, status)
		}
	}
}

// Drop releases pkt without injecting it.
func (i *Injector) Drop(pkt *kernel.Packet) {
	if pkt != nil {
		i.api.Release(pkt)
	}
}

// WasInjectedBySelf reports whether pkt is one of ours coming back through
// the filter. Always false while degraded.
func (i *Injector) WasInjectedBySelf(pkt *kernel.Packet) bool {
	if i.degraded || pkt == nil {
		return false
	}
	for _, h := range []kernel.InjectionHandle{i.network, i.transport} {
		switch i.api.InjectionState(h, pkt) {
		case kernel.InjectedBySelf, kernel.PreviouslyInjectedBySelf:
			return true
		}
	}
	return false
}

// Close destroys the handles. Safe to call more than once.
func (i *Injector) Close() {
	i.closeOnce.Do(i.destroy)
}

func (i *Injector) destroy() {
	for _, h := range []kernel.InjectionHandle{i.network, i.transport} {
		if h == 0 {
			continue
		}
		if err := i.api.DestroyHandle(h); err != nil {
			i.log.Warnf("failed to destroy injection handle %d: %v", h, err)
		}
	}
	i.network, i.transport = 0, 0
}
