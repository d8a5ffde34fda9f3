package transport_layer

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/common"
	"team21/psim/pkg/log"
)

const firstPort = 1024

var ErrPortInUse = errors.New("port already in use")

// Application receives the packets addressed to its port. ReceivePacket runs
// on the IP layer's worker and must not block.
type Application interface {
	Name() string
	ReceivePacket(packet *common.IpPacket)
}

type Registration struct {
	Port int
	App  Application
}

// TransportLayer dispatches local packets: ICMP to the IcmpHandler, other
// protocols to the handler registered for them.
type TransportLayer struct {
	network common.NetworkLayerAPI
	icmp    *IcmpHandler
	logger  *logrus.Entry

	appMutex sync.Mutex
	apps     *deque.Deque[*Registration]
	nextPort int

	handlerMutex sync.RWMutex
	handlers     map[int]common.HandlerFunc
}

func NewTransportLayer(device string, network common.NetworkLayerAPI) *TransportLayer {
	t := &TransportLayer{
		network:  network,
		logger:   log.Component(device, "transport"),
		apps:     deque.New[*Registration](),
		nextPort: firstPort,
		handlers: make(map[int]common.HandlerFunc),
	}
	t.icmp = newIcmpHandler(t, log.Component(device, "icmp"))
	return t
}

func (t *TransportLayer) IcmpHandler() *IcmpHandler { return t.icmp }

func (t *TransportLayer) Network() common.NetworkLayerAPI { return t.network }

// RegisterApplication binds app to the next free port and returns it.
func (t *TransportLayer) RegisterApplication(app Application) int {
	t.appMutex.Lock()
	defer t.appMutex.Unlock()
	for t.findApp(t.nextPort) >= 0 {
		t.nextPort++
	}
	port := t.nextPort
	t.nextPort++
	t.apps.PushBack(&Registration{Port: port, App: app})
	t.logger.WithFields(logrus.Fields{"app": app.Name(), "port": port}).Debug("application registered")
	return port
}

// BindApplication registers app on a fixed port.
func (t *TransportLayer) BindApplication(app Application, port int) error {
	t.appMutex.Lock()
	defer t.appMutex.Unlock()
	if t.findApp(port) >= 0 {
		return errors.Wrapf(ErrPortInUse, "%d", port)
	}
	t.apps.PushBack(&Registration{Port: port, App: app})
	return nil
}

func (t *TransportLayer) UnregisterApplication(port int) {
	t.appMutex.Lock()
	defer t.appMutex.Unlock()
	if i := t.findApp(port); i >= 0 {
		t.apps.Remove(i)
	}
}

// findApp must be called with appMutex held.
func (t *TransportLayer) findApp(port int) int {
	return t.apps.Index(func(r *Registration) bool { return r.Port == port })
}

func (t *TransportLayer) Application(port int) Application {
	t.appMutex.Lock()
	defer t.appMutex.Unlock()
	if i := t.findApp(port); i >= 0 {
		return t.apps.At(i).App
	}
	return nil
}

func (t *TransportLayer) Applications() []Registration {
	t.appMutex.Lock()
	defer t.appMutex.Unlock()
	apps := make([]Registration, t.apps.Len())
	for i := 0; i < t.apps.Len(); i++ {
		apps[i] = *t.apps.At(i)
	}
	return apps
}

// RegisterRecvHandler sets the handler for an IP protocol number other than
// ICMP.
func (t *TransportLayer) RegisterRecvHandler(protocol int, handler common.HandlerFunc) {
	t.handlerMutex.Lock()
	defer t.handlerMutex.Unlock()
	t.handlers[protocol] = handler
}

// ReceivePacket is called by the IP layer for packets addressed to us.
func (t *TransportLayer) ReceivePacket(packet *common.IpPacket) {
	if _, ok := packet.Data.(*common.IcmpPacket); ok {
		t.icmp.HandleReceivePacket(packet)
		return
	}
	if packet.Data == nil {
		t.logger.Warn("packet without data dropped")
		return
	}

	t.handlerMutex.RLock()
	handler, ok := t.handlers[packet.Data.Protocol()]
	t.handlerMutex.RUnlock()
	if !ok {
		t.logger.WithField("protocol", packet.Data.Protocol()).Info("no handler for protocol, packet dropped")
		return
	}
	if err := handler(packet, t.network); err != nil {
		t.logger.WithError(err).Warn("handler failed")
	}
}
