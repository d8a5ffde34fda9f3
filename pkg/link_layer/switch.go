package link_layer

import (
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
	"team21/psim/pkg/physical_layer"
)

// PortSet lists the ports a switch floods to.
type PortSet interface {
	Switchports() []*physical_layer.Switchport
}

type MacEntry struct {
	MAC  net.HardwareAddr
	Port *physical_layer.Switchport
}

// SwitchNetMod is a learning switch. Unknown and broadcast destinations are
// flooded to every other port.
type SwitchNetMod struct {
	ports  PortSet
	logger *logrus.Entry

	mutex    sync.RWMutex
	macTable map[string]MacEntry
}

func NewSwitchNetMod(device string, ports PortSet) *SwitchNetMod {
	return &SwitchNetMod{
		ports:    ports,
		logger:   log.Component(device, "switch"),
		macTable: make(map[string]MacEntry),
	}
}

func (s *SwitchNetMod) ReceiveFrame(frame *common.EthernetFrame, port *physical_layer.Switchport) {
	if len(frame.Src) > 0 && !common.IsBroadcastMAC(frame.Src) {
		s.mutex.Lock()
		s.macTable[frame.Src.String()] = MacEntry{MAC: frame.Src, Port: port}
		s.mutex.Unlock()
	}

	if !frame.IsBroadcast() {
		s.mutex.RLock()
		entry, known := s.macTable[frame.Dst.String()]
		s.mutex.RUnlock()
		if known {
			if entry.Port != port {
				entry.Port.SendPacket(frame)
			}
			return
		}
	}

	for _, p := range s.ports.Switchports() {
		if p != port && p.IsConnected() {
			p.SendPacket(frame)
		}
	}
	s.logger.WithField("frame", frame).Debug("frame flooded")
}

// MacTable returns learned entries ordered by port number then MAC.
func (s *SwitchNetMod) MacTable() []MacEntry {
	s.mutex.RLock()
	entries := make([]MacEntry, 0, len(s.macTable))
	for _, e := range s.macTable {
		entries = append(entries, e)
	}
	s.mutex.RUnlock()

	slices.SortFunc(entries, func(a, b MacEntry) int {
		if a.Port.Number != b.Port.Number {
			return a.Port.Number - b.Port.Number
		}
		return strings.Compare(a.MAC.String(), b.MAC.String())
	})
	return entries
}
