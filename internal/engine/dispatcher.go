// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine classifies intercepted traffic against the connection cache.
//
// Each connection moves through three states: unseen, undecided and decided.
// The first event for a connection creates an undecided cache entry and
// announces the connection to user mode. Until a verdict arrives,
// authorizations are pended with the framework and packets are absorbed into
// the entry's queue. ApplyVerdict decides the entry, resumes every pended
// authorization and replays the queued packets in arrival order. From then on
// events are answered straight from the cached action.
package engine

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/interceptor/internal/cache"
	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/inject"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/metrics"
	"grimm.is/interceptor/internal/packet"
)

// Notifier receives connection lifecycle events destined for user mode.
// Calls are made from the classify path and must not block.
type Notifier interface {
	NewFlow(id uint64, info flow.Info)
	FlowEnded(id uint64, key flow.Key)
}

type nopNotifier struct{}

func (nopNotifier) NewFlow(uint64, flow.Info)  {}
func (nopNotifier) FlowEnded(uint64, flow.Key) {}

// Options wires a Dispatcher. Cache, Injector and Framework are required.
type Options struct {
	Cache     *cache.Cache
	Injector  *inject.Injector
	Framework kernel.Framework
	Log       *diag.Buffer
	Metrics   *metrics.Metrics
	Rules     *RuleSet
	Notifier  Notifier
	// Loopback reports whether an interface index is a loopback interface.
	Loopback func(ifIndex uint32) bool
}

// pendingSet holds the promises waiting on one connection. Reauthorization
// promises are kept once per callout, since resetting a callout filter once
// covers every packet it absorbed.
type pendingSet struct {
	initial []*kernel.Promise
	reauth  map[int]*kernel.Promise
}

// Dispatcher implements kernel.Classifier.
type Dispatcher struct {
	cache    *cache.Cache
	inj      *inject.Injector
	fw       kernel.Framework
	log      *diag.Buffer
	metrics  *metrics.Metrics
	rules    *RuleSet
	notifier Notifier
	loopback func(uint32) bool
	now      func() time.Time

	mu      sync.Mutex
	pending map[flow.Key]*pendingSet
	npend   int
	// ending counts teardowns in progress per key. Events classified for
	// an ending key are blocked rather than starting the connection over.
	ending map[flow.Key]int

	closed atomic.Bool
}

// New creates a Dispatcher and takes over the cache's eviction callback.
func New(opts Options) (*Dispatcher, error) {
	if opts.Cache == nil || opts.Injector == nil || opts.Framework == nil {
		return nil, errors.New(errors.KindValidation, "dispatcher requires a cache, an injector and a framework")
	}
	d := &Dispatcher{
		cache:    opts.Cache,
		inj:      opts.Injector,
		fw:       opts.Framework,
		log:      opts.Log,
		metrics:  opts.Metrics,
		rules:    opts.Rules,
		notifier: opts.Notifier,
		loopback: opts.Loopback,
		now:      time.Now,
		pending:  make(map[flow.Key]*pendingSet),
		ending:   make(map[flow.Key]int),
	}
	if d.notifier == nil {
		d.notifier = nopNotifier{}
	}
	if d.loopback == nil {
		d.loopback = func(uint32) bool { return false }
	}
	d.cache.Evicted = d.evicted
	return d, nil
}

// Classify decides one event. It always leaves a result on ev.
func (d *Dispatcher) Classify(ev *kernel.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Critf("classify panic on %s: %v", ev.Layer, r)
			ev.Block()
		}
		d.metrics.Classified(ev.Layer.String(), ev.Result.String())
	}()

	if d.closed.Load() {
		ev.Block()
		return
	}
	if ev.Packet != nil && d.inj.WasInjectedBySelf(ev.Packet) {
		ev.Permit()
		return
	}

	info, err := flow.InfoFromFields(ev.Layer, ev.Fields, ev.ProcessID, d.log)
	if err != nil {
		ev.Continue()
		return
	}

	switch {
	case ev.Layer == flow.LayerALEResourceAssignmentV4:
		ev.Permit()
	case ev.Layer == flow.LayerALEResourceReleaseV4:
		d.release(info)
		ev.Permit()
	case ev.Layer.IsPacket():
		d.classifyPacket(ev, info)
	default:
		d.classifyConnection(ev, info)
	}
}

// entry returns the cache entry for key, creating it when unseen. A static
// rule match creates it already decided.
func (d *Dispatcher) entry(key flow.Key, info flow.Info) *cache.Entry {
	if e, ok := d.cache.Get(key); ok {
		e.Touch(d.now())
		return e
	}

	if action, name, ok := d.rules.Evaluate(info); ok {
		e, created := d.cache.Insert(key, info, action)
		if created {
			d.log.Debugf("rule %q decided %s: %s", name, key, action)
		}
		return e
	}

	e, created := d.cache.LookupOrCreate(key, info)
	if created {
		d.log.Tracef("new connection %d: %s", e.ID, info)
		d.notifier.NewFlow(e.ID, info)
	}
	return e
}

func (d *Dispatcher) classifyConnection(ev *kernel.Event, info flow.Info) {
	if !info.Protocol.Supported() {
		ev.Continue()
		return
	}

	key := info.Key()
	if d.isEnding(key) {
		ev.Block()
		return
	}
	e := d.entry(key, info)
	action := e.Action()
	if action.Verdict == flow.VerdictUndecided {
		d.pend(ev, e)
		return
	}

	switch action.Verdict {
	case flow.VerdictAccept, flow.VerdictUndeterminable, flow.VerdictRedirect:
		// Redirected connections are authorized; their packets are rewritten
		// at the packet layers.
		ev.Permit()
	case flow.VerdictDrop:
		ev.BlockAndAbsorb()
	default:
		ev.Block()
	}
}

// pend suspends an authorization until the connection is decided. If the
// framework refuses to pend, the event is absorbed and a filter reset is
// scheduled instead.
func (d *Dispatcher) pend(ev *kernel.Event, e *cache.Entry) {
	var p *kernel.Promise
	h, err := d.fw.PendOperation(ev)
	if err != nil {
		d.log.Warnf("pend failed for %s, deferring to filter reset: %v", e.Key, err)
		p = kernel.NewReauthorizationPromise(ev.CalloutIndex)
	} else {
		p = kernel.NewInitialPromise(h)
	}
	d.addPromise(e, ev.CalloutIndex, p)
	ev.BlockAndAbsorb()
}

func (d *Dispatcher) classifyPacket(ev *kernel.Event, info flow.Info) {
	if ev.Packet == nil {
		d.log.Errorf("%s event without a packet", ev.Layer)
		ev.Continue()
		return
	}

	key, err := packet.KeyFromIPv4(ev.Packet.Data, info.Direction)
	if err != nil {
		d.log.Tracef("not classifying %s packet: %v", ev.Layer, err)
		ev.Continue()
		return
	}
	info = info.WithKey(key)

	if info.Direction == flow.DirectionInbound {
		if orig, action, ok := d.cache.LookupRedirected(key); ok {
			d.redirectReply(ev, info, orig, action)
			return
		}
	}

	if d.isEnding(key) {
		ev.Block()
		return
	}
	e := d.entry(key, info)
	action := e.Action()
	if action.Verdict == flow.VerdictUndecided {
		d.queue(ev, info, e)
		return
	}
	d.decidePacket(ev, info, action)
}

// queue absorbs a packet of an undecided connection.
func (d *Dispatcher) queue(ev *kernel.Event, info flow.Info, e *cache.Entry) {
	pkt := ev.Packet.Clone()
	pkt.Inbound = info.Direction == flow.DirectionInbound
	pkt.IfIndex = info.InterfaceIndex
	pkt.SubIfIndex = info.SubInterfaceIndex

	err := d.cache.QueuePacket(e.Key, pkt)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrDecided):
		d.decidePacket(ev, info, e.Action())
		return
	case errors.Is(err, cache.ErrQueueFull):
		d.log.Warnf("queue full for %s, dropping packet", e.Key)
		ev.BlockAndAbsorb()
		return
	default:
		// Removed under us. The next packet starts over as a new connection.
		d.log.Debugf("connection %s went away while queueing: %v", e.Key, err)
		ev.Block()
		return
	}

	d.addPromise(e, ev.CalloutIndex, kernel.NewReauthorizationPromise(ev.CalloutIndex))
	ev.BlockAndAbsorb()
}

// decidePacket applies a terminal action at a packet layer.
func (d *Dispatcher) decidePacket(ev *kernel.Event, info flow.Info, action flow.Action) {
	switch action.Verdict {
	case flow.VerdictAccept, flow.VerdictUndeterminable:
		ev.Permit()
	case flow.VerdictDrop:
		ev.BlockAndAbsorb()
	case flow.VerdictRedirect:
		if d.inj.Degraded() || info.Direction != flow.DirectionOutbound {
			ev.Block()
			return
		}
		pkt := ev.Packet.Clone()
		pkt.IfIndex = info.InterfaceIndex
		pkt.SubIfIndex = info.SubInterfaceIndex
		d.redirect(pkt, action.Target())
		ev.BlockAndAbsorb()
	default:
		ev.Block()
	}
}

// redirect rewrites an outbound packet toward target and injects it. The
// packet is consumed either way.
func (d *Dispatcher) redirect(pkt *kernel.Packet, target netip.AddrPort) {
	if err := d.inj.RedirectOutbound(pkt, target); err != nil {
		d.log.Errorf("redirect to %s failed: %v", target, err)
		d.inj.Drop(pkt)
		return
	}
	loop := target.Addr().IsLoopback() || d.loopback(pkt.IfIndex)
	_ = d.inj.Inject(pkt, inject.Info{Loopback: loop, InterfaceIndex: pkt.IfIndex, SubInterfaceIndex: pkt.SubIfIndex})
}

// redirectReply rewrites a reply from a redirect target so it appears to
// come from the connection's original remote.
func (d *Dispatcher) redirectReply(ev *kernel.Event, info flow.Info, orig flow.Key, action flow.Action) {
	if d.inj.Degraded() {
		ev.Block()
		return
	}
	pkt := ev.Packet.Clone()
	if err := d.inj.RedirectInbound(pkt, orig.LocalAddress, orig.Remote()); err != nil {
		d.log.Errorf("reply rewrite for %s via %s failed: %v", orig, action.Target(), err)
		d.inj.Drop(pkt)
		ev.BlockAndAbsorb()
		return
	}
	_ = d.inj.Inject(pkt, inject.Info{
		Inbound:           true,
		Loopback:          d.loopback(info.InterfaceIndex) || action.Target().Addr().IsLoopback(),
		InterfaceIndex:    info.InterfaceIndex,
		SubInterfaceIndex: info.SubInterfaceIndex,
	})
	ev.BlockAndAbsorb()
}

// addPromise records p against e. If e was decided meanwhile the promise is
// completed at once, since ApplyVerdict may already have collected the set.
func (d *Dispatcher) addPromise(e *cache.Entry, calloutIndex int, p *kernel.Promise) {
	d.mu.Lock()
	set := d.pending[e.Key]
	if set == nil {
		set = &pendingSet{reauth: make(map[int]*kernel.Promise)}
		d.pending[e.Key] = set
	}
	added := true
	if p.Kind() == kernel.PromiseInitial {
		set.initial = append(set.initial, p)
	} else if _, ok := set.reauth[calloutIndex]; ok {
		added = false
	} else {
		set.reauth[calloutIndex] = p
	}
	if added {
		d.npend++
	}
	d.mu.Unlock()

	if added {
		d.metrics.AddPending(1)
	}
	if e.Action().Verdict != flow.VerdictUndecided {
		d.settle(e.Key)
	}
}

// takePromises removes and returns every promise waiting on key.
func (d *Dispatcher) takePromises(key flow.Key) []*kernel.Promise {
	d.mu.Lock()
	set := d.pending[key]
	delete(d.pending, key)
	var out []*kernel.Promise
	if set != nil {
		out = append(out, set.initial...)
		for _, p := range set.reauth {
			out = append(out, p)
		}
		d.npend -= len(out)
	}
	d.mu.Unlock()

	if len(out) > 0 {
		d.metrics.AddPending(-len(out))
	}
	return out
}

// settle completes every promise waiting on key and returns the packets
// they carried. The framework may classify again from inside Complete, so
// no dispatcher lock is held here.
func (d *Dispatcher) settle(key flow.Key) []*kernel.Packet {
	var carried []*kernel.Packet
	for _, p := range d.takePromises(key) {
		packets, err := p.Complete(d.fw)
		if err != nil {
			d.log.Errorf("completing %s promise for %s: %v", p.Kind(), key, err)
		}
		carried = append(carried, packets...)
	}
	return carried
}

// teardown settles key for a connection that is going away. Completing an
// initial promise re-classifies the pended event; while the teardown runs
// that event is blocked, so the connection is not recreated.
func (d *Dispatcher) teardown(key flow.Key) []*kernel.Packet {
	d.mu.Lock()
	d.ending[key]++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.ending[key]--; d.ending[key] <= 0 {
			delete(d.ending, key)
		}
		d.mu.Unlock()
	}()
	return d.settle(key)
}

func (d *Dispatcher) isEnding(key flow.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ending[key] > 0
}

// ApplyVerdict decides key and resumes everything waiting on it. Packets
// queued while the connection was undecided are replayed in arrival order.
// A verdict for a connection no longer cached still resumes its promises and
// reports ErrNotFound; the next packet of that connection starts over.
func (d *Dispatcher) ApplyVerdict(key flow.Key, action flow.Action) error {
	if !action.Verdict.Decided() {
		return errors.Errorf(errors.KindValidation, "%q is not a decided verdict", action.Verdict)
	}
	if action.Verdict == flow.VerdictRedirect && (!action.RedirectAddress.IsValid() || action.RedirectPort == 0) {
		return errors.Errorf(errors.KindValidation, "redirect for %s has no target", key)
	}

	drained, err := d.cache.UpdateVerdict(key, action)
	found := err == nil
	d.metrics.VerdictApplied(action.Verdict.String(), found)

	drained = append(drained, d.settle(key)...)
	for _, pkt := range drained {
		d.replay(pkt, action)
	}

	if !found {
		d.log.Warnf("verdict %s for unknown connection %s", action, key)
		return err
	}
	d.log.Debugf("decided %s: %s, replayed %d packets", key, action, len(drained))
	return nil
}

// replay disposes of a packet absorbed while its connection was undecided.
func (d *Dispatcher) replay(pkt *kernel.Packet, action flow.Action) {
	switch action.Verdict {
	case flow.VerdictAccept, flow.VerdictUndeterminable:
		_ = d.inj.Inject(pkt, inject.Info{
			Inbound:           pkt.Inbound,
			Loopback:          d.loopback(pkt.IfIndex),
			InterfaceIndex:    pkt.IfIndex,
			SubInterfaceIndex: pkt.SubIfIndex,
		})
	case flow.VerdictRedirect:
		if pkt.Inbound || d.inj.Degraded() {
			d.inj.Drop(pkt)
			return
		}
		d.redirect(pkt, action.Target())
	default:
		d.inj.Drop(pkt)
	}
}

// release handles a socket giving up its local endpoint: every connection
// bound to it is torn down.
func (d *Dispatcher) release(info flow.Info) {
	for _, r := range d.cache.RemoveLocal(info.Protocol, info.LocalIP, info.LocalPort) {
		d.dropAll(r.Packets)
		d.dropAll(d.teardown(r.Entry.Key))
		d.notifier.FlowEnded(r.Entry.ID, r.Entry.Key)
	}
}

// EndFlow tears down key on a teardown notification from the backend.
func (d *Dispatcher) EndFlow(key flow.Key) bool {
	e, ok := d.cache.Get(key)
	packets, removed := d.cache.Remove(key)
	if !removed {
		return false
	}
	d.dropAll(packets)
	d.dropAll(d.teardown(key))
	if ok {
		d.notifier.FlowEnded(e.ID, key)
	}
	return true
}

// evicted handles entries the cache dropped on its own. Anything still
// waiting on the connection is settled fail-closed and its packets released.
func (d *Dispatcher) evicted(e *cache.Entry, packets []*kernel.Packet, reason cache.Reason) {
	packets = append(packets, d.teardown(e.Key)...)
	if len(packets) > 0 {
		d.log.Debugf("releasing %d packets of %s (%s)", len(packets), e.Key, reason)
	}
	d.dropAll(packets)
}

func (d *Dispatcher) dropAll(packets []*kernel.Packet) {
	for _, pkt := range packets {
		d.inj.Drop(pkt)
	}
}

// Shutdown stops classification. Every waiting promise is completed, which
// makes the framework see a block, the cache is emptied and the injection
// handles are destroyed. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	keys := make([]flow.Key, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.dropAll(d.settle(k))
	}
	n := d.cache.Clear()
	d.inj.Close()
	d.log.Infof("engine shut down, %d connections cleared", n)
}

// Closed reports whether Shutdown has run.
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}

// Stats is a point-in-time summary of the dispatcher.
type Stats struct {
	Connections     int  `json:"connections"`
	PendingPromises int  `json:"pending_promises"`
	Rules           int  `json:"rules"`
	Degraded        bool `json:"degraded"`
	Closed          bool `json:"closed"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	npend := d.npend
	d.mu.Unlock()

	return Stats{
		Connections:     d.cache.Len(),
		PendingPromises: npend,
		Rules:           d.rules.Len(),
		Degraded:        d.inj.Degraded(),
		Closed:          d.closed.Load(),
	}
}
