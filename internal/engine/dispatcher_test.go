// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/interceptor/internal/cache"
	"grimm.is/interceptor/internal/config"
	"grimm.is/interceptor/internal/diag"
	ierrors "grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/inject"
	"grimm.is/interceptor/internal/kernel"
	"grimm.is/interceptor/internal/packet"
)

var (
	clientAddr = netip.MustParseAddrPort("10.0.0.5:51000")
	serverAddr = netip.MustParseAddrPort("93.184.216.34:443")
	proxyAddr  = netip.MustParseAddrPort("127.0.0.1:9050")
)

type recorder struct {
	mu    sync.Mutex
	flows []flow.Info
	ended []flow.Key
	panic bool
}

func (r *recorder) NewFlow(id uint64, info flow.Info) {
	if r.panic {
		panic("notifier exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, info)
}

func (r *recorder) FlowEnded(id uint64, key flow.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, key)
}

type harness struct {
	sim   *kernel.SimKernel
	cache *cache.Cache
	inj   *inject.Injector
	d     *Dispatcher
	notes *recorder
}

type option func(*kernel.SimKernel, *cache.Config, *[]config.Rule)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	sim := kernel.NewSimKernel()
	cfg := cache.DefaultConfig()
	var rules []config.Rule
	for _, o := range opts {
		o(sim, &cfg, &rules)
	}

	log := diag.NewBuffer(256)
	c := cache.New(cfg, log, nil)
	inj := inject.New(sim, log, nil)
	rs, err := CompileRules(rules)
	require.NoError(t, err)

	notes := &recorder{}
	d, err := New(Options{
		Cache:     c,
		Injector:  inj,
		Framework: sim,
		Log:       log,
		Rules:     rs,
		Notifier:  notes,
		Loopback:  func(ifIndex uint32) bool { return ifIndex == 99 },
	})
	require.NoError(t, err)
	sim.Attach(d)
	return &harness{sim: sim, cache: c, inj: inj, d: d, notes: notes}
}

func withRule(r config.Rule) option {
	return func(_ *kernel.SimKernel, _ *cache.Config, rules *[]config.Rule) {
		*rules = append(*rules, r)
	}
}

func buildPacket(t *testing.T, src, dst netip.AddrPort, payload string) *kernel.Packet {
	t.Helper()
	data, err := packet.Build(packet.Spec{Protocol: flow.ProtocolTCP, Src: src, Dst: dst, Payload: []byte(payload)})
	require.NoError(t, err)
	return &kernel.Packet{Data: data}
}

func (h *harness) outbound(t *testing.T, payload string) (kernel.Result, *kernel.Packet) {
	t.Helper()
	pkt := buildPacket(t, clientAddr, serverAddr, payload)
	res, err := h.sim.DeliverPacket(flow.LayerOutboundIPPacketV4, pkt, 1)
	require.NoError(t, err)
	return res, pkt
}

func decoded(t *testing.T, data []byte) (src, dst netip.AddrPort, payload string) {
	t.Helper()
	h, err := packet.Decode(data)
	require.NoError(t, err)
	defer h.Release()
	return h.Source(), h.Destination(), string(h.Payload())
}

var flowKey = flow.NewKey(flow.ProtocolTCP, clientAddr, serverAddr)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, ierrors.IsKind(err, ierrors.KindValidation))
}

func TestRedirectScenario(t *testing.T) {
	h := newHarness(t)
	callout := int(flow.LayerOutboundIPPacketV4)

	res, _ := h.outbound(t, "first")
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock, Absorb: true}, res)

	e, ok := h.cache.Get(flowKey)
	require.True(t, ok)
	assert.Equal(t, flow.VerdictUndecided, e.Action().Verdict)
	assert.Equal(t, 1, e.Queued())
	assert.Equal(t, 1, h.d.Stats().PendingPromises)
	require.Len(t, h.notes.flows, 1)
	assert.Equal(t, flowKey, h.notes.flows[0].Key())
	assert.Empty(t, h.sim.Injections())

	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.RedirectTo(proxyAddr)))

	assert.Equal(t, 1, h.sim.Resets(callout))
	assert.Zero(t, h.d.Stats().PendingPromises)
	injected := h.sim.Injections()
	require.Len(t, injected, 1)
	assert.Equal(t, kernel.PathNetworkSend, injected[0].Path)
	src, dst, payload := decoded(t, injected[0].Data)
	assert.Equal(t, proxyAddr, dst)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:51000"), src)
	assert.Equal(t, "first", payload)
	assert.NoError(t, packet.VerifyChecksums(injected[0].Data))

	e, ok = h.cache.Get(flowKey)
	require.True(t, ok)
	assert.Equal(t, flow.VerdictRedirect, e.Action().Verdict)

	res, _ = h.outbound(t, "second")
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock, Absorb: true}, res)
	assert.Equal(t, 1, h.sim.Resets(callout), "decided flow must not re-pend")
	assert.Zero(t, h.d.Stats().PendingPromises)
	injected = h.sim.Injections()
	require.Len(t, injected, 2)
	_, dst, payload = decoded(t, injected[1].Data)
	assert.Equal(t, proxyAddr, dst)
	assert.Equal(t, "second", payload)
}

func TestRedirect_ReplyRewrittenToOriginalRemote(t *testing.T) {
	h := newHarness(t, withRule(config.Rule{
		Name: "proxy", Protocol: "tcp", Remote: "93.184.216.34", Verdict: "redirect",
		RedirectAddress: "127.0.0.1", RedirectPort: 9050,
	}))

	res, _ := h.outbound(t, "hello")
	assert.True(t, res.Absorb)
	assert.Empty(t, h.notes.flows, "rule-decided flows are not announced")

	reply := buildPacket(t, proxyAddr, netip.MustParseAddrPort("127.0.0.1:51000"), "world")
	res, err := h.sim.DeliverPacket(flow.LayerInboundIPPacketV4, reply, 99)
	require.NoError(t, err)
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock, Absorb: true}, res)

	injected := h.sim.Injections()
	require.Len(t, injected, 2)
	assert.Equal(t, kernel.PathNetworkSend, injected[1].Path, "loopback replies go out the send path")
	src, dst, payload := decoded(t, injected[1].Data)
	assert.Equal(t, serverAddr, src)
	assert.Equal(t, clientAddr, dst)
	assert.Equal(t, "world", payload)
	assert.NoError(t, packet.VerifyChecksums(injected[1].Data))
}

func TestSelfInjectedPacketsArePermitted(t *testing.T) {
	h := newHarness(t)
	h.outbound(t, "x")
	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictAccept}))

	injected := h.sim.Injections()
	require.Len(t, injected, 1)
	res, err := h.sim.DeliverPacket(flow.LayerOutboundIPPacketV4, injected[0].Packet, 1)
	require.NoError(t, err)
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionPermit}, res)
}

func TestQueuedPacketsReplayInOrder(t *testing.T) {
	h := newHarness(t)
	for _, p := range []string{"a", "b", "c"} {
		res, _ := h.outbound(t, p)
		require.True(t, res.Absorb)
	}
	assert.Equal(t, 1, h.d.Stats().PendingPromises, "one filter reset covers every absorbed packet")

	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictAccept}))

	injected := h.sim.Injections()
	require.Len(t, injected, 3)
	for i, want := range []string{"a", "b", "c"} {
		_, dst, payload := decoded(t, injected[i].Data)
		assert.Equal(t, serverAddr, dst)
		assert.Equal(t, want, payload)
	}

	res, _ := h.outbound(t, "d")
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionPermit}, res)
}

func TestQueueOverflowDropsNewest(t *testing.T) {
	h := newHarness(t, func(_ *kernel.SimKernel, cfg *cache.Config, _ *[]config.Rule) {
		cfg.MaxQueuedPackets = 2
	})
	for _, p := range []string{"a", "b", "c"} {
		res, _ := h.outbound(t, p)
		assert.True(t, res.Absorb)
	}
	e, ok := h.cache.Get(flowKey)
	require.True(t, ok)
	assert.Equal(t, 2, e.Queued())

	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictAccept}))
	injected := h.sim.Injections()
	require.Len(t, injected, 2)
	_, _, last := decoded(t, injected[1].Data)
	assert.Equal(t, "b", last)
}

func TestBlockVerdictReleasesQueuedPackets(t *testing.T) {
	for _, v := range []flow.Verdict{flow.VerdictBlock, flow.VerdictDrop, flow.VerdictFailed} {
		t.Run(v.String(), func(t *testing.T) {
			h := newHarness(t)
			h.outbound(t, "a")
			h.outbound(t, "b")

			require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: v}))
			assert.Empty(t, h.sim.Injections())
			assert.Len(t, h.sim.Released(), 2)

			res, _ := h.outbound(t, "c")
			assert.Equal(t, kernel.DecisionBlock, res.Decision)
			assert.Equal(t, v == flow.VerdictDrop, res.Absorb)
		})
	}
}

func TestConnect_PendThenAccept(t *testing.T) {
	h := newHarness(t)
	pid := uint64(4242)

	ale, _, pkt, err := h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, pid, nil)
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock, Absorb: true}, ale)
	assert.Equal(t, 1, h.sim.Pending())
	require.Len(t, h.notes.flows, 1)
	require.NotNil(t, h.notes.flows[0].ProcessID)
	assert.Equal(t, pid, *h.notes.flows[0].ProcessID)

	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictAccept}))
	assert.Zero(t, h.sim.Pending())
	done := h.sim.Completed()
	require.Len(t, done, 1)
	assert.True(t, done[0].Reauthorize)
	assert.Equal(t, kernel.DecisionPermit, done[0].Result.Decision)

	ale, first, _, err := h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, pid, []byte("GET"))
	require.NoError(t, err)
	assert.Equal(t, kernel.DecisionPermit, ale.Decision)
	assert.Equal(t, kernel.DecisionPermit, first.Decision)
	assert.Len(t, h.notes.flows, 1)
}

func TestConnect_RedirectAuthorizes(t *testing.T) {
	h := newHarness(t)
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.RedirectTo(proxyAddr)))

	done := h.sim.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, kernel.DecisionPermit, done[0].Result.Decision)
}

func TestConnect_PendFailureFallsBackToReset(t *testing.T) {
	h := newHarness(t, func(sim *kernel.SimKernel, _ *cache.Config, _ *[]config.Rule) {
		sim.FailPend = errors.New("no pend for you")
	})
	ale, _, _, err := h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	require.NoError(t, err)
	assert.True(t, ale.Absorb)
	assert.Zero(t, h.sim.Pending())

	require.NoError(t, h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictBlock}))
	assert.Equal(t, 1, h.sim.Resets(int(flow.LayerALEAuthConnectV4)))
}

func TestApplyVerdict_UnknownConnection(t *testing.T) {
	h := newHarness(t)
	err := h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictAccept})
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Zero(t, h.cache.Len())
}

func TestApplyVerdict_Rejects(t *testing.T) {
	h := newHarness(t)
	h.outbound(t, "a")

	err := h.d.ApplyVerdict(flowKey, flow.Undecided)
	assert.True(t, ierrors.IsKind(err, ierrors.KindValidation))
	err = h.d.ApplyVerdict(flowKey, flow.Action{Verdict: flow.VerdictRedirect})
	assert.True(t, ierrors.IsKind(err, ierrors.KindValidation))

	e, _ := h.cache.Get(flowKey)
	assert.Equal(t, flow.VerdictUndecided, e.Action().Verdict)
}

func TestDegradedInjectorFailsRedirectClosed(t *testing.T) {
	h := newHarness(t, func(sim *kernel.SimKernel, _ *cache.Config, _ *[]config.Rule) {
		sim.FailCreateHandle = errors.New("no handles")
	}, withRule(config.Rule{
		Name: "proxy", Verdict: "redirect", RedirectAddress: "127.0.0.1", RedirectPort: 9050,
	}))
	require.True(t, h.inj.Degraded())
	assert.True(t, h.d.Stats().Degraded)

	res, _ := h.outbound(t, "a")
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock}, res)
	assert.Empty(t, h.sim.Injections())
}

func TestUnsupportedTrafficContinues(t *testing.T) {
	h := newHarness(t)

	ev := &kernel.Event{Layer: flow.LayerUnknown}
	assert.Equal(t, kernel.DecisionContinue, h.sim.Deliver(ev).Decision)

	ev = &kernel.Event{
		Layer: flow.LayerALEAuthConnectV4,
		Fields: flow.NewConnectFields(flow.Endpoints{
			Protocol: flow.ProtocolICMP, Local: clientAddr, Remote: serverAddr,
		}),
	}
	assert.Equal(t, kernel.DecisionContinue, h.sim.Deliver(ev).Decision)
	assert.Zero(t, h.cache.Len())
}

func TestResourceReleaseEndsFlows(t *testing.T) {
	h := newHarness(t)
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	require.Equal(t, 1, h.cache.Len())

	ev := &kernel.Event{
		Layer:  flow.LayerALEResourceAssignmentV4,
		Fields: flow.NewResourceAssignmentFields(flow.ProtocolTCP, clientAddr),
	}
	assert.Equal(t, kernel.DecisionPermit, h.sim.Deliver(ev).Decision)

	ev = &kernel.Event{
		Layer:  flow.LayerALEResourceReleaseV4,
		Fields: flow.NewResourceReleaseFields(flow.ProtocolTCP, clientAddr),
	}
	assert.Equal(t, kernel.DecisionPermit, h.sim.Deliver(ev).Decision)

	require.Len(t, h.notes.ended, 1)
	assert.Equal(t, flowKey, h.notes.ended[0])
	assert.Zero(t, h.d.Stats().PendingPromises)
	assertEndedClosed(t, h)
}

// assertEndedClosed checks that a torn-down pended connection was completed
// as a block and not recreated by the re-classification.
func assertEndedClosed(t *testing.T, h *harness) {
	t.Helper()
	assert.Zero(t, h.cache.Len())
	assert.Zero(t, h.sim.Pending())
	assert.Len(t, h.notes.flows, 1, "no second new-flow notification")
	done := h.sim.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, kernel.DecisionBlock, done[0].Result.Decision)
	assert.True(t, done[0].Reauthorize)
}

func TestEndFlow_PendedConnection(t *testing.T) {
	h := newHarness(t)
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	require.Equal(t, 1, h.sim.Pending())

	assert.True(t, h.d.EndFlow(flowKey))
	assert.Zero(t, h.d.Stats().PendingPromises)
	assertEndedClosed(t, h)

	// A later attempt is a new connection again.
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	assert.Equal(t, 1, h.cache.Len())
	assert.Len(t, h.notes.flows, 2)
}

func TestIdleSweepSettlesPended(t *testing.T) {
	h := newHarness(t)
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	h.outbound(t, "a")
	require.Equal(t, 2, h.d.Stats().PendingPromises)

	assert.Equal(t, 1, h.cache.Sweep(time.Now().Add(time.Hour)))
	assert.Zero(t, h.d.Stats().PendingPromises)
	assert.Len(t, h.sim.Released(), 1, "queued packet released")
	assertEndedClosed(t, h)
}

func TestPressureEvictionSettlesPended(t *testing.T) {
	h := newHarness(t, func(_ *kernel.SimKernel, cfg *cache.Config, _ *[]config.Rule) {
		cfg.MaxEntries = 1
	})
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	require.Equal(t, 1, h.sim.Pending())

	other := netip.MustParseAddrPort("10.0.0.5:51001")
	h.sim.Connect(flow.ProtocolTCP, other, serverAddr, 1, nil)

	assert.Equal(t, 1, h.cache.Len())
	_, ok := h.cache.Get(flow.NewKey(flow.ProtocolTCP, other, serverAddr))
	assert.True(t, ok, "the newer connection survives")
	assert.Equal(t, 1, h.sim.Pending())
	assert.Equal(t, 1, h.d.Stats().PendingPromises)

	done := h.sim.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, kernel.DecisionBlock, done[0].Result.Decision)
	assert.Len(t, h.notes.flows, 2)
}

func TestEndFlow(t *testing.T) {
	h := newHarness(t)
	h.outbound(t, "a")

	assert.True(t, h.d.EndFlow(flowKey))
	assert.False(t, h.d.EndFlow(flowKey))
	assert.Len(t, h.sim.Released(), 1)
	assert.Equal(t, []flow.Key{flowKey}, h.notes.ended)
}

func TestClassifyPanicBlocks(t *testing.T) {
	h := newHarness(t)
	h.notes.panic = true

	res, _ := h.outbound(t, "a")
	assert.Equal(t, kernel.Result{Decision: kernel.DecisionBlock}, res)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.sim.Connect(flow.ProtocolTCP, clientAddr, serverAddr, 1, nil)
	h.outbound(t, "a")
	require.Equal(t, 1, h.sim.Pending())

	h.d.Shutdown()
	h.d.Shutdown()

	assert.True(t, h.d.Closed())
	assert.Zero(t, h.sim.Pending())
	done := h.sim.Completed()
	require.Len(t, done, 1)
	assert.Equal(t, kernel.DecisionBlock, done[0].Result.Decision)
	assert.Zero(t, h.cache.Len())
	assert.Zero(t, h.sim.Handles())
	assert.Len(t, h.sim.Released(), 1)

	res, _ := h.outbound(t, "b")
	assert.Equal(t, kernel.DecisionBlock, res.Decision)
}
