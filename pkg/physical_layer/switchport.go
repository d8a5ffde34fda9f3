package physical_layer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
)

// FrameReceiver accepts frames a cable delivered to a port.
type FrameReceiver interface {
	ReceiveFrame(frame *common.EthernetFrame, port *Switchport)
}

// Switchport is one physical port of a device. Outbound frames wait in its
// buffer until the attached cable picks them up.
type Switchport struct {
	Number int
	Device string

	buffer   *common.SyncQueue[*common.EthernetFrame]
	receiver FrameReceiver
	logger   *logrus.Entry

	mutex sync.RWMutex
	cable *Cable
}

func NewSwitchport(device string, number int, receiver FrameReceiver) *Switchport {
	return &Switchport{
		Number:   number,
		Device:   device,
		buffer:   common.NewSyncQueue[*common.EthernetFrame](),
		receiver: receiver,
		logger:   log.Component(device, "physical").WithField("port", number),
	}
}

func (s *Switchport) String() string {
	return fmt.Sprintf("%s:%d", s.Device, s.Number)
}

// SendPacket queues frame for the cable. A port without a cable drops the
// frame and returns false.
func (s *Switchport) SendPacket(frame *common.EthernetFrame) bool {
	cable := s.Cable()
	if cable == nil {
		s.logger.WithField("frame", frame).Info("no cable attached, frame dropped")
		return false
	}
	s.buffer.Push(frame)
	cable.Wake()
	return true
}

func (s *Switchport) PopPacket() (*common.EthernetFrame, bool) {
	return s.buffer.Pop()
}

func (s *Switchport) IsEmptyBuffer() bool {
	return s.buffer.IsEmpty()
}

// ReceivePacket hands a frame arriving from the cable to the device.
func (s *Switchport) ReceivePacket(frame *common.EthernetFrame) {
	if s.receiver == nil {
		s.logger.Warn("port has no receiver, frame dropped")
		return
	}
	s.receiver.ReceiveFrame(frame, s)
}

func (s *Switchport) IsConnected() bool {
	return s.Cable() != nil
}

func (s *Switchport) Cable() *Cable {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cable
}

func (s *Switchport) setCable(c *Cable) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cable = c
}
