// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
	"grimm.is/interceptor/internal/logging"
	"grimm.is/interceptor/internal/packet"
)

// LinuxConfig configures a LinuxKernel.
type LinuxConfig struct {
	QueueNum    uint16
	MaxQueueLen uint32
	// Mark is set on every packet the backend injects. Marked packets
	// bypass the queue.
	Mark  uint32
	Table string
	// FailOpen lets traffic through while nothing listens on the queue.
	FailOpen bool
	// FlowEnded is called for conntrack DESTROY events and reports whether
	// the key was known.
	FlowEnded func(key flow.Key) bool
	Logger    *logging.Logger
}

// heldOp is an authorization whose packet the queue is still holding.
type heldOp struct {
	ev       *Event
	pkt      *Packet
	src, dst netip.AddrPort
}

// LinuxKernel binds the engine to netfilter. IPv4 TCP and UDP traffic on
// the input and output hooks is queued to userspace. A TCP SYN is
// classified as a connect (or accept) authorization first, and pending it
// withholds the queue verdict until CompleteOperation. Injection goes
// through a raw socket carrying Mark.
type LinuxKernel struct {
	cfg LinuxConfig
	log *logging.Logger

	mu         sync.Mutex
	classifier Classifier
	nextID     uint64
	inflight   map[*Event]heldOp
	pended     map[CompletionHandle]heldOp
	handles    map[InjectionHandle]HandleKind
	loopback   map[uint32]bool
	resets     map[int]uint64

	setVerdict func(id uint32, verdict int) error

	nf     *nfqueue.Nfqueue
	nft    *nftables.Conn
	table  *nftables.Table
	ct     *conntrack.Conn
	fd     int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLinuxKernel creates a backend. Nothing is opened until Start.
func NewLinuxKernel(cfg LinuxConfig) *LinuxKernel {
	if cfg.Table == "" {
		cfg.Table = "interceptor"
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("kernel")
	}
	k := &LinuxKernel{
		cfg:      cfg,
		log:      cfg.Logger,
		inflight: make(map[*Event]heldOp),
		pended:   make(map[CompletionHandle]heldOp),
		handles:  make(map[InjectionHandle]HandleKind),
		loopback: make(map[uint32]bool),
		resets:   make(map[int]uint64),
		fd:       -1,
	}
	k.setVerdict = func(id uint32, verdict int) error {
		if k.nf == nil {
			return errors.New(errors.KindUnavailable, "queue not open")
		}
		return k.nf.SetVerdict(id, verdict)
	}
	return k
}

func (k *LinuxKernel) Attach(c Classifier) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.classifier = c
}

// Start opens the raw socket and the queue, installs the nftables rules and
// starts watching conntrack. On error everything opened so far is closed.
func (k *LinuxKernel) Start(ctx context.Context) error {
	if err := k.loadInterfaces(); err != nil {
		return err
	}

	fd, err := openRawSocket(k.cfg.Mark)
	if err != nil {
		return err
	}
	k.fd = fd

	ctx, k.cancel = context.WithCancel(ctx)
	if err := k.openQueue(ctx); err != nil {
		k.Stop()
		return err
	}
	if err := k.installRules(); err != nil {
		k.Stop()
		return err
	}
	if k.cfg.FlowEnded != nil {
		if err := k.watchConntrack(ctx); err != nil {
			k.Stop()
			return err
		}
	}

	k.log.Info("netfilter backend started",
		"queue", k.cfg.QueueNum, "table", k.cfg.Table, "mark", k.cfg.Mark, "fail_open", k.cfg.FailOpen)
	return nil
}

// Stop removes the rules and closes everything Start opened. Packets still
// held are accepted when FailOpen is set and dropped otherwise.
func (k *LinuxKernel) Stop() error {
	if k.cancel != nil {
		k.cancel()
	}

	verdict := nfqueue.NfDrop
	if k.cfg.FailOpen {
		verdict = nfqueue.NfAccept
	}
	k.mu.Lock()
	held := k.pended
	k.pended = make(map[CompletionHandle]heldOp)
	k.mu.Unlock()
	for _, op := range held {
		k.verdict(op.pkt.ID, verdict)
	}

	var errs []error
	if k.nft != nil {
		k.nft.DelTable(k.table)
		if err := k.nft.Flush(); err != nil {
			errs = append(errs, errors.Wrapf(err, errors.KindInternal, "remove table %s", k.cfg.Table))
		}
		k.nft = nil
	}
	if k.nf != nil {
		if err := k.nf.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindInternal, "close queue"))
		}
	}
	if k.ct != nil {
		if err := k.ct.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindInternal, "close conntrack"))
		}
		k.ct = nil
	}
	k.wg.Wait()
	k.nf = nil

	k.mu.Lock()
	if k.fd >= 0 {
		unix.Close(k.fd)
		k.fd = -1
	}
	k.mu.Unlock()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (k *LinuxKernel) loadInterfaces() error {
	links, err := netlink.LinkList()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "list interfaces")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			k.loopback[uint32(attrs.Index)] = true
		}
	}
	return nil
}

// IsLoopback reports whether ifIndex is a loopback interface.
func (k *LinuxKernel) IsLoopback(ifIndex uint32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loopback[ifIndex]
}

func openRawSocket(mark uint32) (int, error) {
	// IPPROTO_RAW implies IP_HDRINCL.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return -1, errors.Wrap(err, errors.KindUnavailable, "open raw socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, errors.KindUnavailable, "set SO_MARK on raw socket")
	}
	return fd, nil
}

func (k *LinuxKernel) openQueue(ctx context.Context) error {
	cfg := nfqueue.Config{
		NfQueue:      k.cfg.QueueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  k.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	if k.cfg.FailOpen {
		cfg.Flags = nfqueue.NfQaCfgFlagFailOpen
	}

	q, err := nfqueue.Open(&cfg)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "open queue %d", k.cfg.QueueNum)
	}
	k.nf = q

	onErr := func(err error) int {
		if ctx.Err() != nil {
			return 1
		}
		k.log.Warn("queue receive error", logging.Err(err))
		return 0
	}
	if err := q.RegisterWithErrorFunc(ctx, k.handle, onErr); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "register on queue %d", k.cfg.QueueNum)
	}
	return nil
}

// installRules replaces the backend's table with one that accepts marked
// packets and queues the rest of TCP and UDP.
func (k *LinuxKernel) installRules() error {
	c, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create nftables connection")
	}

	tables, err := c.ListTables()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to list tables")
	}
	for _, t := range tables {
		if t.Name == k.cfg.Table && t.Family == nftables.TableFamilyIPv4 {
			c.DelTable(t)
		}
	}

	t := c.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: k.cfg.Table})
	hooks := []struct {
		name string
		hook *nftables.ChainHook
	}{
		{"output", nftables.ChainHookOutput},
		{"input", nftables.ChainHookInput},
	}
	for _, h := range hooks {
		ch := c.AddChain(&nftables.Chain{
			Name:     h.name,
			Table:    t,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  h.hook,
			Priority: nftables.ChainPriorityFilter,
		})
		c.AddRule(&nftables.Rule{Table: t, Chain: ch, Exprs: bypassExprs(k.cfg.Mark)})
		for _, proto := range []byte{unix.IPPROTO_TCP, unix.IPPROTO_UDP} {
			c.AddRule(&nftables.Rule{Table: t, Chain: ch, Exprs: queueExprs(proto, k.cfg.QueueNum, k.cfg.FailOpen)})
		}
	}

	if err := c.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "install table %s", k.cfg.Table)
	}
	k.nft, k.table = c, t
	return nil
}

// meta mark == mark accept
func bypassExprs(mark uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(mark)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// meta l4proto == proto queue num n [bypass]
func queueExprs(proto byte, num uint16, failOpen bool) []expr.Any {
	q := &expr.Queue{Num: num}
	if failOpen {
		q.Flag = expr.QueueFlagBypass
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		q,
	}
}

func (k *LinuxKernel) watchConntrack(ctx context.Context) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open conntrack")
	}
	events := make(chan conntrack.Event, 1024)
	errs, err := c.Listen(events, 1, []netfilter.NetlinkGroup{netfilter.GroupCTDestroy})
	if err != nil {
		c.Close()
		return errors.Wrap(err, errors.KindUnavailable, "listen for conntrack events")
	}
	k.ct = c

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && ctx.Err() == nil {
					k.log.Warn("conntrack listener stopped", logging.Err(err))
				}
				return
			case ev := <-events:
				k.flowDestroyed(ev)
			}
		}
	}()
	return nil
}

func (k *LinuxKernel) flowDestroyed(ev conntrack.Event) {
	if ev.Type != conntrack.EventDestroy || ev.Flow == nil || k.cfg.FlowEnded == nil {
		return
	}
	t := ev.Flow.TupleOrig
	proto := flow.Protocol(t.Proto.Protocol)
	if !proto.Supported() || !t.IP.SourceAddress.Is4() {
		return
	}
	src := netip.AddrPortFrom(t.IP.SourceAddress, t.Proto.SourcePort)
	dst := netip.AddrPortFrom(t.IP.DestinationAddress, t.Proto.DestinationPort)

	// The original tuple is the initiator's view, so try the local end
	// first and then the inbound orientation.
	if !k.cfg.FlowEnded(flow.NewKey(proto, src, dst)) {
		k.cfg.FlowEnded(flow.NewKey(proto, dst, src))
	}
}

func (k *LinuxKernel) verdict(id uint32, v int) {
	if id == 0 {
		return
	}
	if err := k.setVerdict(id, v); err != nil {
		k.log.Warn("failed to set verdict", "packet", id, "verdict", v, logging.Err(err))
	}
}

func (k *LinuxKernel) deliver(ev *Event) Result {
	k.mu.Lock()
	c := k.classifier
	k.mu.Unlock()

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

// handle is the queue callback. Every path ends in exactly one verdict for
// the packet, except a pended authorization which holds it.
func (k *LinuxKernel) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil || len(*a.Payload) == 0 {
		k.verdict(id, nfqueue.NfAccept)
		return 0
	}
	if a.Mark != nil && *a.Mark == k.cfg.Mark {
		k.verdict(id, nfqueue.NfAccept)
		return 0
	}

	// The payload aliases the receive buffer and a pended packet outlives
	// this call.
	pkt := &Packet{ID: id, Data: append([]byte(nil), (*a.Payload)...)}
	if a.Mark != nil {
		pkt.Mark = *a.Mark
	}
	switch {
	case a.OutDev != nil:
		pkt.IfIndex = *a.OutDev
	case a.InDev != nil:
		pkt.Inbound = true
		pkt.IfIndex = *a.InDev
	}

	h, err := packet.Decode(pkt.Data)
	if err != nil {
		k.verdict(id, nfqueue.NfAccept)
		return 0
	}
	src, dst := h.Source(), h.Destination()
	proto := h.Protocol()
	syn := h.HasTCP() && h.TCP.SYN && !h.TCP.ACK
	h.Release()

	op := heldOp{pkt: pkt, src: src, dst: dst}
	if syn {
		op.ev = connectEvent(pkt, proto, src, dst)
		k.authorize(op)
		return 0
	}
	k.classifyPacket(op)
	return 0
}

func connectEvent(pkt *Packet, proto flow.Protocol, src, dst netip.AddrPort) *Event {
	if pkt.Inbound {
		return &Event{
			Layer:        flow.LayerALEAuthRecvAcceptV4,
			Fields:       flow.NewRecvAcceptFields(flow.Endpoints{Protocol: proto, Local: dst, Remote: src, InterfaceIndex: pkt.IfIndex}),
			CalloutIndex: int(flow.LayerALEAuthRecvAcceptV4),
		}
	}
	return &Event{
		Layer:        flow.LayerALEAuthConnectV4,
		Fields:       flow.NewConnectFields(flow.Endpoints{Protocol: proto, Local: src, Remote: dst, InterfaceIndex: pkt.IfIndex}),
		CalloutIndex: int(flow.LayerALEAuthConnectV4),
	}
}

// authorize classifies a connection-level event. A permitted connection
// goes on to packet classification; a pended one keeps its packet queued.
func (k *LinuxKernel) authorize(op heldOp) {
	k.mu.Lock()
	k.inflight[op.ev] = op
	k.mu.Unlock()

	res := k.deliver(op.ev)

	k.mu.Lock()
	_, held := k.inflight[op.ev]
	delete(k.inflight, op.ev)
	k.mu.Unlock()

	if !held {
		return
	}
	if res.Decision == DecisionBlock {
		k.verdict(op.pkt.ID, nfqueue.NfDrop)
		return
	}
	k.classifyPacket(op)
}

func (k *LinuxKernel) classifyPacket(op heldOp) {
	pkt := op.pkt
	ev := &Event{Packet: pkt}
	if pkt.Inbound {
		ev.Layer = flow.LayerInboundIPPacketV4
		ev.Fields = flow.InboundIPPacketFields{LocalAddress: op.dst.Addr(), RemoteAddress: op.src.Addr(), InterfaceIndex: pkt.IfIndex}
	} else {
		ev.Layer = flow.LayerOutboundIPPacketV4
		ev.Fields = flow.OutboundIPPacketFields{LocalAddress: op.src.Addr(), RemoteAddress: op.dst.Addr(), InterfaceIndex: pkt.IfIndex}
	}
	ev.CalloutIndex = int(ev.Layer)

	// An absorbed packet has been copied by the engine; the original is
	// dropped either way.
	if k.deliver(ev).Decision == DecisionBlock {
		k.verdict(pkt.ID, nfqueue.NfDrop)
		return
	}
	k.verdict(pkt.ID, nfqueue.NfAccept)
}

// PendOperation holds the queued packet of an in-flight authorization.
// Events that carry no held packet cannot be pended.
func (k *LinuxKernel) PendOperation(ev *Event) (CompletionHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	op, ok := k.inflight[ev]
	if !ok {
		return 0, errors.Errorf(errors.KindUnsupported, "%s has no held packet to pend", ev.Layer)
	}
	delete(k.inflight, ev)

	pended := *ev
	op.ev = &pended
	k.nextID++
	h := CompletionHandle(k.nextID)
	k.pended[h] = op
	return h, nil
}

// CompleteOperation re-runs the held authorization on the calling
// goroutine and sets the packet's verdict.
func (k *LinuxKernel) CompleteOperation(h CompletionHandle) error {
	k.mu.Lock()
	op, ok := k.pended[h]
	delete(k.pended, h)
	k.mu.Unlock()

	if !ok {
		return errors.Errorf(errors.KindNotFound, "no pended operation %d", h)
	}
	op.ev.Reauthorize = true
	op.ev.Result = Result{}
	k.authorize(op)
	return nil
}

// ResetCalloutFilter only counts the reset: every packet of a flow is
// queued, so later traffic is classified again regardless.
func (k *LinuxKernel) ResetCalloutFilter(calloutIndex int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resets[calloutIndex]++
	return nil
}

// CreateHandle may be called before Start; the socket is only needed to
// send.
func (k *LinuxKernel) CreateHandle(kind HandleKind) (InjectionHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.nextID++
	h := InjectionHandle(k.nextID)
	k.handles[h] = kind
	return h, nil
}

func (k *LinuxKernel) DestroyHandle(h InjectionHandle) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.handles[h]; !ok {
		return errors.Errorf(errors.KindNotFound, "unknown injection handle %d", h)
	}
	delete(k.handles, h)
	return nil
}

// send writes a complete IPv4 packet to the raw socket. The kernel routes
// it by destination, so local destinations are delivered through loopback.
func (k *LinuxKernel) send(h InjectionHandle, kind HandleKind, pkt *Packet, done CompletionFunc) error {
	k.mu.Lock()
	got, ok := k.handles[h]
	fd := k.fd
	k.mu.Unlock()

	if !ok || got != kind {
		return errors.Errorf(errors.KindUnavailable, "invalid %s handle %d", kind, h)
	}
	if fd < 0 {
		return errors.New(errors.KindUnavailable, "raw socket not open")
	}

	hdr, err := packet.Decode(pkt.Data)
	if err != nil {
		return err
	}
	dst := hdr.Destination().Addr()
	hdr.Release()
	if !dst.Is4() {
		return packet.ErrUnsupported
	}

	if err := unix.Sendto(fd, pkt.Data, 0, &unix.SockaddrInet4{Addr: dst.As4()}); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "send to %s", dst)
	}
	pkt.Mark = k.cfg.Mark
	if done != nil {
		done(pkt, nil)
	}
	return nil
}

func (k *LinuxKernel) SendNetwork(h InjectionHandle, pkt *Packet, done CompletionFunc) error {
	return k.send(h, HandleNetwork, pkt, done)
}

// ReceiveNetwork ignores the interface indexes: the raw socket cannot pick
// an ingress interface, and routing a local destination reaches the same
// sockets.
func (k *LinuxKernel) ReceiveNetwork(h InjectionHandle, pkt *Packet, _, _ uint32, done CompletionFunc) error {
	return k.send(h, HandleNetwork, pkt, done)
}

func (k *LinuxKernel) SendTransport(h InjectionHandle, pkt *Packet, _ *TransportContext, done CompletionFunc) error {
	return k.send(h, HandleTransport, pkt, done)
}

// InjectionState recognizes our packets by mark. Marks are not tied to a
// handle.
func (k *LinuxKernel) InjectionState(_ InjectionHandle, pkt *Packet) InjectionState {
	if pkt.Mark == k.cfg.Mark && k.cfg.Mark != 0 {
		return InjectedBySelf
	}
	return NotInjected
}

// Release drops a packet the queue still holds. Engine copies carry no ID
// and need nothing.
func (k *LinuxKernel) Release(pkt *Packet) {
	k.verdict(pkt.ID, nfqueue.NfDrop)
}

// Resets returns how many times calloutIndex was reset.
func (k *LinuxKernel) Resets(calloutIndex int) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.resets[calloutIndex]
}

// Pending returns the number of held authorizations.
func (k *LinuxKernel) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pended)
}
