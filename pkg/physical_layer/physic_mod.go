package physical_layer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
	"team21/psim/pkg/worker"
)

// NetMod is the layer 2 module sitting on top of the ports.
type NetMod interface {
	ReceiveFrame(frame *common.EthernetFrame, port *Switchport)
}

type receivedFrame struct {
	frame *common.EthernetFrame
	port  *Switchport
}

// PhysicMod owns the ports of one device. Frames arriving from cables are
// buffered and passed up on the module's own worker, so a cable never runs
// device code.
type PhysicMod struct {
	device string

	mutex sync.RWMutex
	ports []*Switchport
	upper NetMod

	buffer *common.SyncQueue[receivedFrame]
	worker *worker.Worker
	logger *logrus.Entry
}

func NewPhysicMod(device string) *PhysicMod {
	p := &PhysicMod{
		device: device,
		buffer: common.NewSyncQueue[receivedFrame](),
		logger: log.Component(device, "physical"),
	}
	p.worker = worker.New(device+"/physical", p, p.logger)
	return p
}

func (p *PhysicMod) SetNetMod(upper NetMod) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.upper = upper
}

// AddSwitchport creates the next port, numbered from 0.
func (p *PhysicMod) AddSwitchport() *Switchport {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	port := NewSwitchport(p.device, len(p.ports), p)
	p.ports = append(p.ports, port)
	return port
}

func (p *PhysicMod) Switchports() []*Switchport {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return append([]*Switchport(nil), p.ports...)
}

func (p *PhysicMod) Switchport(number int) *Switchport {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if number < 0 || number >= len(p.ports) {
		return nil
	}
	return p.ports[number]
}

func (p *PhysicMod) ReceiveFrame(frame *common.EthernetFrame, port *Switchport) {
	p.buffer.Push(receivedFrame{frame: frame, port: port})
	p.worker.Wake()
}

func (p *PhysicMod) DoMyWork() {
	p.mutex.RLock()
	upper := p.upper
	p.mutex.RUnlock()

	for {
		item, ok := p.buffer.Pop()
		if !ok {
			return
		}
		if upper == nil {
			p.logger.Warn("no network module, frame dropped")
			continue
		}
		upper.ReceiveFrame(item.frame, item.port)
	}
}

func (p *PhysicMod) Close() {
	p.worker.Stop()
}
