package transport_layer

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
)

// error messages quote the original header and 8 bytes of its data
const icmpErrorQuote = ipv4header.HeaderLen + 8

// IcmpHandler answers echo requests, routes replies and errors to the
// application whose port is the echo identifier, and sends ICMP errors for
// the IP layer.
type IcmpHandler struct {
	transport *TransportLayer
	logger    *logrus.Entry
}

func newIcmpHandler(t *TransportLayer, logger *logrus.Entry) *IcmpHandler {
	return &IcmpHandler{transport: t, logger: logger}
}

// HandleReceivePacket runs on the IP layer's worker.
func (h *IcmpHandler) HandleReceivePacket(packet *common.IpPacket) {
	icmp := packet.Data.(*common.IcmpPacket)
	logger := h.logger.WithFields(logrus.Fields{"src": packet.Header.Src, "icmp": icmp.String()})

	switch icmp.Type {
	case header.ICMPv4Echo:
		logger.Debug("answering echo request")
		reply := &common.IcmpPacket{
			Type:    header.ICMPv4EchoReply,
			ID:      icmp.ID,
			Seq:     icmp.Seq,
			Payload: icmp.Payload,
		}
		h.transport.network.HandleSendPacket(reply, packet.Header.Src, 0)
	case header.ICMPv4EchoReply:
		h.deliver(icmp.ID, packet, logger)
	case header.ICMPv4DstUnreachable, header.ICMPv4TimeExceeded:
		echo, ok := quotedEcho(icmp)
		if !ok {
			logger.Debug("error for a non-echo packet ignored")
			return
		}
		h.deliver(echo.ID, packet, logger)
	default:
		logger.Info("unsupported ICMP type dropped")
	}
}

func (h *IcmpHandler) deliver(port int, packet *common.IpPacket, logger *logrus.Entry) {
	app := h.transport.Application(port)
	if app == nil {
		logger.WithField("port", port).Debug("no application for ICMP message")
		return
	}
	app.ReceivePacket(packet)
}

// quotedEcho returns the echo request an error message refers to.
func quotedEcho(icmp *common.IcmpPacket) (*common.IcmpPacket, bool) {
	if icmp.Original == nil {
		return nil, false
	}
	echo, ok := icmp.Original.Data.(*common.IcmpPacket)
	if !ok || echo.Type != header.ICMPv4Echo {
		return nil, false
	}
	return echo, true
}

// EchoOf returns the identifier and sequence number an ICMP message refers
// to: its own for replies, those of the quoted request for errors.
func EchoOf(icmp *common.IcmpPacket) (id, seq int, ok bool) {
	if !icmp.IsError() {
		return icmp.ID, icmp.Seq, true
	}
	echo, ok := quotedEcho(icmp)
	if !ok {
		return 0, 0, false
	}
	return echo.ID, echo.Seq, true
}

// SendRequest queues an echo request. A ttl of 0 uses the device default.
func (h *IcmpHandler) SendRequest(target netip.Addr, ttl, seq, port, size int) {
	request := &common.IcmpPacket{
		Type:    header.ICMPv4Echo,
		ID:      port,
		Seq:     seq,
		Payload: size,
	}
	h.transport.network.SendPacket(request, target, ttl)
}

func (h *IcmpHandler) SendDestinationHostUnreachable(dst netip.Addr, original *common.IpPacket) {
	h.sendError(header.ICMPv4DstUnreachable, common.IcmpCodeHostUnreachable, dst, original)
}

func (h *IcmpHandler) SendDestinationNetworkUnreachable(dst netip.Addr, original *common.IpPacket) {
	h.sendError(header.ICMPv4DstUnreachable, common.IcmpCodeNetUnreachable, dst, original)
}

func (h *IcmpHandler) SendTimeExceeded(dst netip.Addr, original *common.IpPacket) {
	h.sendError(header.ICMPv4TimeExceeded, common.IcmpCodeTTLExceeded, dst, original)
}

// sendError runs on the IP layer's worker, so it sends synchronously.
func (h *IcmpHandler) sendError(typ header.ICMPv4Type, code uint8, dst netip.Addr, original *common.IpPacket) {
	if icmp, ok := original.Data.(*common.IcmpPacket); ok && icmp.IsError() {
		h.logger.WithField("dst", dst).Debug("no ICMP error about an ICMP error")
		return
	}
	if !dst.IsValid() {
		return
	}
	msg := &common.IcmpPacket{
		Type:     typ,
		Code:     code,
		Payload:  icmpErrorQuote,
		Original: original,
	}
	h.logger.WithFields(logrus.Fields{"dst": dst, "icmp": msg.String()}).Info("sending ICMP error")
	h.transport.network.HandleSendPacket(msg, dst, 0)
}
