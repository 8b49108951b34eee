// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet decodes and rewrites raw IPv4 packets for redirection.
//
// Rewrites happen in place: the headers are decoded with gopacket, mutated,
// re-serialized with fresh checksums and copied back over the caller's
// buffer. A buffer that cannot be decoded, or that would not re-serialize to
// the same length, is left untouched.
package packet

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
)

var (
	// ErrUnsupported is returned for buffers that are not IPv4, or not
	// TCP/UDP where ports are required.
	ErrUnsupported = errors.New(errors.KindUnsupported, "unsupported packet")

	loopbackSource = netip.AddrFrom4([4]byte{127, 0, 0, 1})
)

// Headers is a decoded view over a packet buffer. Slices inside alias the
// buffer.
type Headers struct {
	IPv4    layers.IPv4
	TCP     layers.TCP
	UDP     layers.UDP
	payload gopacket.Payload

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

var headerPool = sync.Pool{
	New: func() any {
		h := &Headers{}
		h.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &h.IPv4, &h.TCP, &h.UDP, &h.payload)
		h.parser.IgnoreUnsupported = true
		h.decoded = make([]gopacket.LayerType, 0, 4)
		return h
	},
}

// Decode parses data. Call Release when done with the result.
func Decode(data []byte) (*Headers, error) {
	h := headerPool.Get().(*Headers)
	if err := h.parser.DecodeLayers(data, &h.decoded); err != nil {
		h.Release()
		return nil, errors.Wrap(err, errors.KindUnsupported, "decode ipv4")
	}
	if len(h.decoded) == 0 || h.decoded[0] != layers.LayerTypeIPv4 {
		h.Release()
		return nil, ErrUnsupported
	}
	return h, nil
}

// Release returns h to the decoder pool.
func (h *Headers) Release() {
	h.decoded = h.decoded[:0]
	headerPool.Put(h)
}

// Protocol returns the transport protocol if TCP or UDP was decoded, else
// the raw IPv4 protocol number.
func (h *Headers) Protocol() flow.Protocol {
	return flow.Protocol(h.IPv4.Protocol)
}

func (h *Headers) has(t gopacket.LayerType) bool {
	for _, d := range h.decoded {
		if d == t {
			return true
		}
	}
	return false
}

// HasTCP reports whether a TCP header was decoded.
func (h *Headers) HasTCP() bool { return h.has(layers.LayerTypeTCP) }

// HasUDP reports whether a UDP header was decoded.
func (h *Headers) HasUDP() bool { return h.has(layers.LayerTypeUDP) }

// Payload returns the transport payload, aliasing the buffer.
func (h *Headers) Payload() []byte {
	switch {
	case h.HasTCP():
		return h.TCP.Payload
	case h.HasUDP():
		return h.UDP.Payload
	}
	return nil
}

// Source returns the source address and port (port 0 without TCP/UDP).
func (h *Headers) Source() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(h.IPv4.SrcIP.To4())
	return netip.AddrPortFrom(addr, h.srcPort())
}

// Destination returns the destination address and port.
func (h *Headers) Destination() netip.AddrPort {
	addr, _ := netip.AddrFromSlice(h.IPv4.DstIP.To4())
	return netip.AddrPortFrom(addr, h.dstPort())
}

func (h *Headers) srcPort() uint16 {
	switch {
	case h.HasTCP():
		return uint16(h.TCP.SrcPort)
	case h.HasUDP():
		return uint16(h.UDP.SrcPort)
	}
	return 0
}

func (h *Headers) dstPort() uint16 {
	switch {
	case h.HasTCP():
		return uint16(h.TCP.DstPort)
	case h.HasUDP():
		return uint16(h.UDP.DstPort)
	}
	return 0
}

// serializeInto re-encodes the (possibly mutated) headers and copies the
// result over dst. Lengths are kept as decoded.
func (h *Headers) serializeInto(dst []byte) error {
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	var err error
	switch {
	case h.HasTCP():
		if err = h.TCP.SetNetworkLayerForChecksum(&h.IPv4); err == nil {
			err = gopacket.SerializeLayers(buf, opts, &h.IPv4, &h.TCP, gopacket.Payload(h.TCP.Payload))
		}
	case h.HasUDP():
		if err = h.UDP.SetNetworkLayerForChecksum(&h.IPv4); err == nil {
			err = gopacket.SerializeLayers(buf, opts, &h.IPv4, &h.UDP, gopacket.Payload(h.UDP.Payload))
		}
	default:
		err = gopacket.SerializeLayers(buf, opts, &h.IPv4, gopacket.Payload(h.IPv4.Payload))
	}
	if err != nil {
		return errors.Wrap(err, errors.KindUnsupported, "serialize ipv4")
	}

	out := buf.Bytes()
	if len(out) != int(h.IPv4.Length) || len(out) > len(dst) {
		return errors.Wrapf(ErrUnsupported, errors.KindUnsupported, "reserialized to %d bytes", len(out))
	}
	copy(dst, out)
	return nil
}

func ipOf(a netip.Addr) net.IP {
	b := a.Unmap().As4()
	return net.IP(b[:])
}

// RedirectOutbound rewrites an outbound packet so it is delivered to target.
// A loopback target also forces the source to 127.0.0.1 so the reply stays on
// the loopback path. Ports are rewritten only for TCP and UDP.
func RedirectOutbound(pkt []byte, target netip.AddrPort) error {
	h, err := Decode(pkt)
	if err != nil {
		return err
	}
	defer h.Release()

	h.IPv4.DstIP = ipOf(target.Addr())
	if target.Addr().IsLoopback() {
		h.IPv4.SrcIP = ipOf(loopbackSource)
	}
	switch {
	case h.HasTCP():
		h.TCP.DstPort = layers.TCPPort(target.Port())
	case h.HasUDP():
		h.UDP.DstPort = layers.UDPPort(target.Port())
	}
	return h.serializeInto(pkt)
}

// RedirectInbound rewrites a reply from a redirect target so the local
// application sees it coming from the endpoint it originally dialed.
func RedirectInbound(pkt []byte, local netip.Addr, original netip.AddrPort) error {
	h, err := Decode(pkt)
	if err != nil {
		return err
	}
	defer h.Release()

	h.IPv4.DstIP = ipOf(local)
	h.IPv4.SrcIP = ipOf(original.Addr())
	switch {
	case h.HasTCP():
		h.TCP.SrcPort = layers.TCPPort(original.Port())
	case h.HasUDP():
		h.UDP.SrcPort = layers.UDPPort(original.Port())
	}
	return h.serializeInto(pkt)
}

// VerifyChecksums recomputes the IPv4 and transport checksums of pkt and
// reports a mismatch. pkt is not modified.
func VerifyChecksums(pkt []byte) error {
	h, err := Decode(pkt)
	if err != nil {
		return err
	}
	defer h.Release()

	scratch := make([]byte, len(pkt))
	if err := h.serializeInto(scratch); err != nil {
		return err
	}
	n := int(h.IPv4.Length)
	for i := 0; i < n && i < len(pkt); i++ {
		if pkt[i] != scratch[i] {
			return errors.Errorf(errors.KindValidation, "checksum mismatch at offset %d", i)
		}
	}
	return nil
}

// KeyFromIPv4 builds the flow key for pkt as seen travelling in dir.
func KeyFromIPv4(pkt []byte, dir flow.Direction) (flow.Key, error) {
	h, err := Decode(pkt)
	if err != nil {
		return flow.Key{}, err
	}
	defer h.Release()

	if !h.HasTCP() && !h.HasUDP() {
		return flow.Key{}, errors.Wrapf(ErrUnsupported, errors.KindUnsupported, "protocol %s", h.Protocol())
	}

	src, dst := h.Source(), h.Destination()
	switch dir {
	case flow.DirectionOutbound:
		return flow.NewKey(h.Protocol(), src, dst), nil
	case flow.DirectionInbound:
		return flow.NewKey(h.Protocol(), dst, src), nil
	}
	return flow.Key{}, errors.Errorf(errors.KindValidation, "no key for direction %s", dir)
}

// Describe renders a one-line summary of pkt for debug output.
func Describe(pkt []byte) string {
	h, err := Decode(pkt)
	if err != nil {
		return fmt.Sprintf("invalid ipv4 (%d bytes): %v", len(pkt), err)
	}
	defer h.Release()

	s := fmt.Sprintf("%s %s > %s len=%d ttl=%d", h.Protocol(), h.Source(), h.Destination(), h.IPv4.Length, h.IPv4.TTL)
	if h.HasTCP() {
		s += fmt.Sprintf(" seq=%d flags=%s", h.TCP.Seq, tcpFlags(&h.TCP))
	}
	return s
}

func tcpFlags(t *layers.TCP) string {
	var f []byte
	for _, b := range []struct {
		set bool
		c   byte
	}{{t.SYN, 'S'}, {t.ACK, '.'}, {t.FIN, 'F'}, {t.RST, 'R'}, {t.PSH, 'P'}} {
		if b.set {
			f = append(f, b.c)
		}
	}
	return string(f)
}
