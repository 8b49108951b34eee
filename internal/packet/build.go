// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
)

// Spec describes a packet for Build.
type Spec struct {
	Protocol flow.Protocol
	Src, Dst netip.AddrPort
	TTL      uint8
	// SYN is set on TCP packets built with it; ignored for UDP.
	SYN     bool
	Payload []byte
}

// Build serializes an IPv4 packet with valid checksums. It backs the
// simulated kernel's synthetic traffic.
func Build(s Spec) ([]byte, error) {
	ttl := s.TTL
	if ttl == 0 {
		ttl = 64
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocol(s.Protocol),
		SrcIP:    ipOf(s.Src.Addr()),
		DstIP:    ipOf(s.Dst.Addr()),
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	var err error
	switch s.Protocol {
	case flow.ProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.Src.Port()),
			DstPort: layers.TCPPort(s.Dst.Port()),
			SYN:     s.SYN,
			ACK:     !s.SYN,
			Window:  64240,
		}
		if err = tcp.SetNetworkLayerForChecksum(ip); err == nil {
			err = gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(s.Payload))
		}
	case flow.ProtocolUDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(s.Src.Port()),
			DstPort: layers.UDPPort(s.Dst.Port()),
		}
		if err = udp.SetNetworkLayerForChecksum(ip); err == nil {
			err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(s.Payload))
		}
	default:
		err = gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(s.Payload))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build packet")
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
