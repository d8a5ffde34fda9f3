package link_layer

import (
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
	"team21/psim/pkg/physical_layer"
)

// Receiver is the network layer above an EthernetLayer.
type Receiver interface {
	ReceivePacket(packet common.L3Packet, iface *EthernetInterface)
}

// EthernetInterface binds a MAC address to one switchport.
type EthernetInterface struct {
	Name string
	MAC  net.HardwareAddr
	Port *physical_layer.Switchport
}

// EthernetLayer is layer 2 of hosts and routers: one interface per port,
// accepting frames for its own MAC or broadcast.
type EthernetLayer struct {
	device string
	logger *logrus.Entry

	mutex  sync.RWMutex
	ifaces []*EthernetInterface
	byPort map[*physical_layer.Switchport]*EthernetInterface
	upper  Receiver
}

func NewEthernetLayer(device string) *EthernetLayer {
	return &EthernetLayer{
		device: device,
		logger: log.Component(device, "ethernet"),
		byPort: make(map[*physical_layer.Switchport]*EthernetInterface),
	}
}

func (e *EthernetLayer) SetReceiver(r Receiver) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.upper = r
}

func (e *EthernetLayer) AddInterface(name string, mac net.HardwareAddr, port *physical_layer.Switchport) *EthernetInterface {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	iface := &EthernetInterface{Name: name, MAC: mac, Port: port}
	e.ifaces = append(e.ifaces, iface)
	if port != nil {
		e.byPort[port] = iface
	}
	return iface
}

func (e *EthernetLayer) Interfaces() []*EthernetInterface {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return append([]*EthernetInterface(nil), e.ifaces...)
}

func (e *EthernetLayer) InterfaceByName(name string) *EthernetInterface {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	for _, i := range e.ifaces {
		if strings.EqualFold(i.Name, name) {
			return i
		}
	}
	return nil
}

// SendPacket frames packet and hands it to the interface's port. It reports
// whether the port accepted the frame.
func (e *EthernetLayer) SendPacket(packet common.L3Packet, iface *EthernetInterface, dst net.HardwareAddr) bool {
	if iface == nil || iface.Port == nil {
		e.logger.WithField("packet", packet).Warn("interface has no port, packet dropped")
		return false
	}
	frame := common.NewEthernetFrame(iface.MAC, dst, packet)
	e.logger.WithFields(logrus.Fields{"iface": iface.Name, "frame": frame}).Debug("sending frame")
	return iface.Port.SendPacket(frame)
}

func (e *EthernetLayer) ReceiveFrame(frame *common.EthernetFrame, port *physical_layer.Switchport) {
	e.mutex.RLock()
	iface := e.byPort[port]
	upper := e.upper
	e.mutex.RUnlock()

	if iface == nil {
		e.logger.WithField("port", port).Warn("frame on unknown port dropped")
		return
	}
	if !frame.IsBroadcast() && frame.Dst.String() != iface.MAC.String() {
		e.logger.WithFields(logrus.Fields{"iface": iface.Name, "frame": frame}).Debug("frame not for us")
		return
	}
	switch frame.EtherType {
	case layers.EthernetTypeARP, layers.EthernetTypeIPv4:
	default:
		e.logger.WithField("ethertype", frame.EtherType).Debug("unsupported ethertype")
		return
	}
	if upper == nil {
		return
	}
	upper.ReceivePacket(frame.Payload, iface)
}
