package network_layer

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/link_layer"
	"team21/psim/pkg/log"
	"team21/psim/pkg/worker"
)

var ErrNoAddress = errors.New("interface has no address")

// LinkLayer is the layer 2 below an IPLayer.
type LinkLayer interface {
	SendPacket(packet common.L3Packet, iface *link_layer.EthernetInterface, dst net.HardwareAddr) bool
}

// IcmpHandler emits ICMP errors on behalf of the IP layer. Its methods run
// on the IP layer's worker.
type IcmpHandler interface {
	SendDestinationHostUnreachable(dst netip.Addr, original *common.IpPacket)
	SendDestinationNetworkUnreachable(dst netip.Addr, original *common.IpPacket)
	SendTimeExceeded(dst netip.Addr, original *common.IpPacket)
}

// Transport receives packets addressed to this device.
type Transport interface {
	ReceivePacket(packet *common.IpPacket)
}

type Alarm interface {
	RegisterWake(target worker.Wakeable, d time.Duration)
}

type Config struct {
	Device   string
	Platform common.Platform
	// ArpTTL is how long a packet waits for an ARP reply.
	ArpTTL time.Duration
	// ArpCacheTTL expires ARP entries; 0 keeps them.
	ArpCacheTTL time.Duration
	// DefaultTTL of 0 takes the platform default.
	DefaultTTL int
	// Forwarding is forced on for cisco devices.
	Forwarding bool
}

type receiveItem struct {
	packet common.L3Packet
	iface  *link_layer.EthernetInterface
}

type sendItem struct {
	data common.L4Packet
	dst  netip.Addr
	ttl  int
}

// storeItem is a packet waiting for the MAC address of its next hop.
type storeItem struct {
	packet    *common.IpPacket
	out       *NetworkInterface
	nextHop   netip.Addr
	timestamp time.Time
}

// IPLayer is the network layer of one device. Received and outgoing packets
// are queued and processed on the layer's own worker; packets whose next hop
// has no ARP entry wait in the store buffer until a reply arrives or ArpTTL
// passes.
type IPLayer struct {
	cfg    Config
	link   LinkLayer
	alarm  Alarm
	logger *logrus.Entry

	table    *RoutingTable
	cisco    *CiscoRouteWrapper
	arpCache *ArpCache

	handlerMutex sync.RWMutex
	icmp         IcmpHandler
	transport    Transport
	filter       PacketFilter

	ifaceMutex sync.RWMutex
	ifaces     []*NetworkInterface
	byEthernet map[*link_layer.EthernetInterface]*NetworkInterface

	receiveBuffer *common.SyncQueue[receiveItem]
	sendBuffer    *common.SyncQueue[sendItem]
	// storeBuffer is only touched by the worker.
	storeBuffer []storeItem
	pending     atomic.Int32
	newArpReply atomic.Bool
	packetID    atomic.Uint32

	worker *worker.Worker
}

func NewIPLayer(cfg Config, link LinkLayer, alarm Alarm) *IPLayer {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = cfg.Platform.DefaultTTL()
	}
	if cfg.Platform == common.PlatformCisco {
		cfg.Forwarding = true
	}
	ip := &IPLayer{
		cfg:           cfg,
		link:          link,
		alarm:         alarm,
		logger:        log.Component(cfg.Device, "ip"),
		table:         NewRoutingTable(),
		arpCache:      NewArpCache(cfg.ArpCacheTTL),
		filter:        PassThroughFilter{},
		byEthernet:    make(map[*link_layer.EthernetInterface]*NetworkInterface),
		receiveBuffer: common.NewSyncQueue[receiveItem](),
		sendBuffer:    common.NewSyncQueue[sendItem](),
	}
	if cfg.Platform == common.PlatformCisco {
		ip.cisco = NewCiscoRouteWrapper(ip.table, ip, log.Component(cfg.Device, "routing"))
	}
	ip.worker = worker.New(cfg.Device+"/ip", ip, ip.logger)
	return ip
}

func (ip *IPLayer) Close() {
	ip.worker.Stop()
}

func (ip *IPLayer) Platform() common.Platform { return ip.cfg.Platform }

func (ip *IPLayer) DefaultTTL() int { return ip.cfg.DefaultTTL }

func (ip *IPLayer) Forwarding() bool { return ip.cfg.Forwarding }

func (ip *IPLayer) RoutingTable() *RoutingTable { return ip.table }

// CiscoWrapper is nil on linux devices.
func (ip *IPLayer) CiscoWrapper() *CiscoRouteWrapper { return ip.cisco }

func (ip *IPLayer) ArpCache() *ArpCache { return ip.arpCache }

// Degraded reports whether the worker ever failed.
func (ip *IPLayer) Degraded() bool { return ip.worker.Degraded() }

// PendingArp is the number of packets waiting for an ARP reply.
func (ip *IPLayer) PendingArp() int { return int(ip.pending.Load()) }

func (ip *IPLayer) SetIcmpHandler(h IcmpHandler) {
	ip.handlerMutex.Lock()
	defer ip.handlerMutex.Unlock()
	ip.icmp = h
}

func (ip *IPLayer) SetTransport(t Transport) {
	ip.handlerMutex.Lock()
	defer ip.handlerMutex.Unlock()
	ip.transport = t
}

// SetPacketFilter installs f; nil restores the pass-through filter.
func (ip *IPLayer) SetPacketFilter(f PacketFilter) {
	if f == nil {
		f = PassThroughFilter{}
	}
	ip.handlerMutex.Lock()
	defer ip.handlerMutex.Unlock()
	ip.filter = f
}

func (ip *IPLayer) handlers() (IcmpHandler, Transport, PacketFilter) {
	ip.handlerMutex.RLock()
	defer ip.handlerMutex.RUnlock()
	return ip.icmp, ip.transport, ip.filter
}

// AddNetworkInterface registers an interface while a device is being
// built. Routing is not touched.
func (ip *IPLayer) AddNetworkInterface(name string, ethernet *link_layer.EthernetInterface, address netip.Prefix, up bool) *NetworkInterface {
	iface := NewNetworkInterface(name, ethernet)
	iface.setAddress(address)
	iface.setUp(up)

	ip.ifaceMutex.Lock()
	defer ip.ifaceMutex.Unlock()
	ip.ifaces = append(ip.ifaces, iface)
	if ethernet != nil {
		ip.byEthernet[ethernet] = iface
	}
	return iface
}

// NetworkInterfaces returns the interfaces in the order they were added.
func (ip *IPLayer) NetworkInterfaces() []*NetworkInterface {
	ip.ifaceMutex.RLock()
	defer ip.ifaceMutex.RUnlock()
	return append([]*NetworkInterface(nil), ip.ifaces...)
}

// NetworkInterfaceByName ignores case.
func (ip *IPLayer) NetworkInterfaceByName(name string) *NetworkInterface {
	return findInterface(ip.NetworkInterfaces(), name)
}

func (ip *IPLayer) networkInterfaceFor(ethernet *link_layer.EthernetInterface) *NetworkInterface {
	if ethernet == nil {
		return nil
	}
	ip.ifaceMutex.RLock()
	defer ip.ifaceMutex.RUnlock()
	return ip.byEthernet[ethernet]
}

func (ip *IPLayer) SetInterfaceUp(name string, up bool) error {
	iface := ip.NetworkInterfaceByName(name)
	if iface == nil {
		return errors.Wrapf(ErrNoSuchInterface, "%s", name)
	}
	if iface.setUp(up) {
		ip.interfaceChanged(iface)
	}
	return nil
}

// SetInterfaceAddress sets or, with an invalid prefix, removes the address.
func (ip *IPLayer) SetInterfaceAddress(name string, address netip.Prefix) error {
	iface := ip.NetworkInterfaceByName(name)
	if iface == nil {
		return errors.Wrapf(ErrNoSuchInterface, "%s", name)
	}
	if address.IsValid() && !address.Addr().Is4() {
		return errors.Errorf("%s is not an IPv4 address", address)
	}
	if iface.setAddress(address) {
		ip.interfaceChanged(iface)
	}
	return nil
}

// interfaceChanged keeps routing in line with interface state. Cisco
// recompiles its table; linux drops the interface's records and re-adds the
// connected network when the interface is usable.
func (ip *IPLayer) interfaceChanged(iface *NetworkInterface) {
	ip.logger.WithFields(logrus.Fields{"iface": iface.Name, "up": iface.IsUp()}).Info("interface changed")
	if ip.cisco != nil {
		ip.cisco.Recompute()
		return
	}
	ip.table.DeleteInterfaceRecords(iface)
	if network, ok := iface.Network(); ok && iface.IsUp() {
		if err := ip.table.AddRecord(network, iface); err != nil {
			ip.logger.WithError(err).Error("cannot add connected record")
		}
	}
}

// UpdateNewRoutingTable fills an empty table with the networks of the
// addressed interfaces. It is meant for devices loaded without a saved
// routing table and does nothing if the table has records.
func (ip *IPLayer) UpdateNewRoutingTable() bool {
	if ip.table.Size() != 0 {
		ip.logger.Warn("routing table is not empty, not filling it from interfaces")
		return false
	}
	for _, iface := range ip.NetworkInterfaces() {
		if network, ok := iface.Network(); ok {
			if err := ip.table.AddRecord(network, iface); err != nil {
				ip.logger.WithError(err).Error("cannot add connected record")
			}
		}
	}
	return true
}

// IsMyAddress reports whether addr belongs to an up interface.
func (ip *IPLayer) IsMyAddress(addr netip.Addr) bool {
	for _, iface := range ip.NetworkInterfaces() {
		if a, ok := iface.Address(); ok && iface.IsUp() && a.Addr() == addr {
			return true
		}
	}
	return false
}

// ReceivePacket is called by the link layer. iface is nil for looped back
// packets.
func (ip *IPLayer) ReceivePacket(packet common.L3Packet, iface *link_layer.EthernetInterface) {
	ip.receiveBuffer.Push(receiveItem{packet: packet, iface: iface})
	ip.worker.Wake()
}

// SendPacket queues data for dst. A ttl of 0 uses the default.
func (ip *IPLayer) SendPacket(data common.L4Packet, dst netip.Addr, ttl int) {
	ip.sendBuffer.Push(sendItem{data: data, dst: dst, ttl: ttl})
	ip.worker.Wake()
}

// Wake is called when an ARP wait may have expired.
func (ip *IPLayer) Wake() {
	ip.logger.Debug("woken by alarm")
	ip.newArpReply.Store(true)
	ip.worker.Wake()
}

// DoMyWork drains both buffers, then sweeps the store buffer. A sweep can
// loop ICMP errors back into the receive buffer, so it drains again until
// the sweep leaves both buffers empty.
func (ip *IPLayer) DoMyWork() {
	for {
		for !ip.receiveBuffer.IsEmpty() || !ip.sendBuffer.IsEmpty() {
			if item, ok := ip.receiveBuffer.Pop(); ok {
				ip.handleReceivePacket(item.packet, item.iface)
			}
			if item, ok := ip.sendBuffer.Pop(); ok {
				ip.HandleSendPacket(item.data, item.dst, item.ttl)
			}
			if ip.newArpReply.Load() && len(ip.storeBuffer) > 0 {
				ip.handleStoreBuffer()
			}
		}
		if len(ip.storeBuffer) > 0 {
			ip.handleStoreBuffer()
		}
		if ip.receiveBuffer.IsEmpty() && ip.sendBuffer.IsEmpty() {
			return
		}
	}
}

func (ip *IPLayer) handleReceivePacket(packet common.L3Packet, iface *link_layer.EthernetInterface) {
	switch p := packet.(type) {
	case *common.ArpPacket:
		ip.handleReceiveArpPacket(p, iface)
	case *common.IpPacket:
		ip.handleReceiveIpPacket(p, iface)
	default:
		ip.logger.WithField("type", packet.L3Type()).Warn("unsupported L3 packet dropped")
	}
}

func (ip *IPLayer) handleReceiveArpPacket(packet *common.ArpPacket, ethernet *link_layer.EthernetInterface) {
	in := ip.networkInterfaceFor(ethernet)
	if in == nil {
		ip.logger.Warn("ARP packet on unknown interface dropped")
		return
	}
	logger := ip.logger.WithFields(logrus.Fields{"category": "arp", "iface": in.Name, "arp": packet.String()})

	switch {
	case packet.IsRequest():
		addr, ok := in.Address()
		if !ok || !in.IsUp() || addr.Addr() != packet.TargetIP {
			logger.Debug("ARP request not for us")
			return
		}
		ip.arpCache.Update(packet.SenderIP, packet.SenderMAC, in)
		reply := common.NewArpReply(addr.Addr(), in.MAC(), packet.SenderIP, packet.SenderMAC)
		logger.Debug("answering ARP request")
		ip.link.SendPacket(reply, in.Ethernet, packet.SenderMAC)
		ip.newArpReply.Store(true)
	case packet.IsReply():
		logger.Debug("ARP reply received")
		ip.arpCache.Update(packet.SenderIP, packet.SenderMAC, in)
		ip.newArpReply.Store(true)
	default:
		logger.Warn("unknown ARP operation")
	}
}

func (ip *IPLayer) handleReceiveIpPacket(packet *common.IpPacket, ethernet *link_layer.EthernetInterface) {
	in := ip.networkInterfaceFor(ethernet)
	logger := ip.logger.WithFields(logrus.Fields{"src": packet.Header.Src, "dst": packet.Header.Dst})

	if !headerValid(packet.Header) {
		logger.Info("bad header checksum, packet dropped")
		return
	}

	icmp, transport, filter := ip.handlers()
	if packet = filter.PreRouting(packet, in); packet == nil {
		logger.Debug("packet dropped by pre-routing filter")
		return
	}

	if ip.IsMyAddress(packet.Header.Dst) {
		if transport == nil {
			logger.Warn("no transport layer, packet dropped")
			return
		}
		transport.ReceivePacket(packet)
		return
	}

	if in != nil && !ip.cfg.Forwarding {
		logger.Debug("forwarding disabled, packet dropped")
		return
	}

	record, ok := ip.table.Lookup(packet.Header.Dst)
	if !ok {
		logger.Info("no route to destination, sending network unreachable")
		if icmp != nil {
			icmp.SendDestinationNetworkUnreachable(packet.Header.Src, packet)
		}
		return
	}

	if packet.Header.TTL <= 1 {
		logger.Info("TTL expired, sending time exceeded")
		if icmp != nil {
			icmp.SendTimeExceeded(packet.Header.Src, packet)
		}
		return
	}
	forwarded := packet.Clone()
	forwarded.Header.TTL--
	if err := setChecksum(forwarded.Header); err != nil {
		logger.WithError(err).Error("cannot marshal header")
		return
	}
	ip.processPacket(forwarded, record, in)
}

// HandleSendPacket routes and sends data immediately. It must only run on
// the IP layer's worker: from DoMyWork or from handlers it calls.
func (ip *IPLayer) HandleSendPacket(data common.L4Packet, dst netip.Addr, ttl int) {
	if ttl <= 0 {
		ttl = ip.cfg.DefaultTTL
	}
	logger := ip.logger.WithField("dst", dst)

	var src netip.Addr
	var record Record
	loopback := ip.IsMyAddress(dst)
	if loopback {
		src = dst
	} else {
		var ok bool
		record, ok = ip.table.Lookup(dst)
		if !ok {
			logger.Info("no route to host, packet dropped")
			return
		}
		if record.Interface == nil {
			panic(errors.Errorf("routing record %s has no interface", record.Destination))
		}
		addr, ok := record.Interface.Address()
		if !ok {
			logger.WithError(ErrNoAddress).Info("packet dropped")
			return
		}
		src = addr.Addr()
	}

	hdr := &ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: ipv4header.HeaderLen + data.Size(),
		ID:       int(uint16(ip.packetID.Add(1))),
		TTL:      ttl,
		Protocol: data.Protocol(),
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	if err := setChecksum(hdr); err != nil {
		logger.WithError(err).Error("cannot marshal header")
		return
	}
	packet := &common.IpPacket{Header: hdr, Data: data}

	if loopback {
		ip.receiveBuffer.Push(receiveItem{packet: packet})
		ip.worker.Wake()
		return
	}
	ip.processPacket(packet, record, nil)
}

// processPacket applies post-routing and hands the packet to the link layer,
// first asking for the next hop's MAC address if it is unknown.
func (ip *IPLayer) processPacket(packet *common.IpPacket, record Record, in *NetworkInterface) {
	_, _, filter := ip.handlers()
	out := record.Interface
	if out == nil {
		panic(errors.Errorf("routing record %s has no interface", record.Destination))
	}
	if packet = filter.PostRouting(packet, in, out); packet == nil {
		ip.logger.Debug("packet dropped by post-routing filter")
		return
	}

	outAddr, ok := out.Address()
	if !ok || !out.IsUp() {
		ip.logger.WithField("iface", out.Name).Info("outgoing interface unusable, packet dropped")
		return
	}

	nextHop := record.NextHop(packet.Header.Dst)
	mac, ok := ip.arpCache.Lookup(nextHop)
	if !ok {
		request := common.NewArpRequest(outAddr.Addr(), out.MAC(), nextHop)
		ip.logger.WithFields(logrus.Fields{"category": "arp", "iface": out.Name, "next_hop": nextHop}).
			Info("next hop MAC unknown, sending ARP request")
		ip.link.SendPacket(request, out.Ethernet, common.BroadcastMAC())
		ip.storeBuffer = append(ip.storeBuffer, storeItem{
			packet:    packet,
			out:       out,
			nextHop:   nextHop,
			timestamp: time.Now(),
		})
		ip.pending.Store(int32(len(ip.storeBuffer)))
		ip.alarm.RegisterWake(ip, ip.cfg.ArpTTL)
		return
	}

	ip.logger.WithFields(logrus.Fields{"dst": packet.Header.Dst, "iface": out.Name}).Debug("sending packet")
	ip.link.SendPacket(packet, out.Ethernet, mac)
}

// handleStoreBuffer sends waiting packets whose next hop is now known and
// gives up on those older than ArpTTL.
func (ip *IPLayer) handleStoreBuffer() {
	now := time.Now()
	var expired, ready []storeItem
	var waiting []storeItem
	macs := make(map[netip.Addr]net.HardwareAddr)

	for _, item := range ip.storeBuffer {
		if now.Sub(item.timestamp) >= ip.cfg.ArpTTL {
			expired = append(expired, item)
			continue
		}
		if mac, ok := ip.arpCache.Lookup(item.nextHop); ok {
			macs[item.nextHop] = mac
			ready = append(ready, item)
			continue
		}
		waiting = append(waiting, item)
	}
	ip.storeBuffer = waiting
	ip.pending.Store(int32(len(waiting)))
	ip.newArpReply.Store(false)

	icmp, _, _ := ip.handlers()
	for _, item := range expired {
		ip.logger.WithFields(logrus.Fields{"dst": item.packet.Header.Dst, "next_hop": item.nextHop}).
			Info("no ARP reply, sending destination host unreachable")
		if icmp != nil {
			icmp.SendDestinationHostUnreachable(item.packet.Header.Src, item.packet)
		}
	}
	for _, item := range ready {
		ip.logger.WithField("next_hop", item.nextHop).Debug("ARP resolved, sending stored packet")
		ip.link.SendPacket(item.packet, item.out.Ethernet, macs[item.nextHop])
	}
}

// InterfaceSummary lists name, address, MAC and state per interface.
func (ip *IPLayer) InterfaceSummary() string {
	var sb strings.Builder
	for _, iface := range ip.NetworkInterfaces() {
		state := "down"
		if iface.IsUp() {
			state = "up"
		}
		addr := "unassigned"
		if a, ok := iface.Address(); ok {
			addr = a.String()
		}
		sb.WriteString(iface.Name + " " + addr + " " + iface.MAC().String() + " " + state + "\n")
	}
	return sb.String()
}
