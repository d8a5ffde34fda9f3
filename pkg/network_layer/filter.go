package network_layer

import "team21/psim/pkg/common"

// PacketFilter sees every packet on its way in and out of an IP layer, e.g.
// for NAT or access lists. Returning nil drops the packet silently.
type PacketFilter interface {
	// PreRouting runs on received packets before the routing decision.
	PreRouting(packet *common.IpPacket, in *NetworkInterface) *common.IpPacket
	// PostRouting runs after the routing decision. in is nil for locally
	// generated packets.
	PostRouting(packet *common.IpPacket, in, out *NetworkInterface) *common.IpPacket
}

type PassThroughFilter struct{}

func (PassThroughFilter) PreRouting(packet *common.IpPacket, _ *NetworkInterface) *common.IpPacket {
	return packet
}

func (PassThroughFilter) PostRouting(packet *common.IpPacket, _, _ *NetworkInterface) *common.IpPacket {
	return packet
}

// PostRoutingFunc adapts a function to a PacketFilter that only acts after
// routing.
type PostRoutingFunc func(packet *common.IpPacket, in, out *NetworkInterface) *common.IpPacket

func (f PostRoutingFunc) PreRouting(packet *common.IpPacket, _ *NetworkInterface) *common.IpPacket {
	return packet
}

func (f PostRoutingFunc) PostRouting(packet *common.IpPacket, in, out *NetworkInterface) *common.IpPacket {
	return f(packet, in, out)
}
