package simulator

import (
	"context"
	"io"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"team21/psim/pkg/application"
	"team21/psim/pkg/config"
	"team21/psim/pkg/device"
	"team21/psim/pkg/log"
	"team21/psim/pkg/physical_layer"
	"team21/psim/pkg/worker"
)

var ErrUnknownDevice = errors.New("unknown device")

type cable struct {
	cfg   config.CableConfig
	cable *physical_layer.Cable
}

// Simulator owns every device and cable of one topology and the alarm
// they share.
type Simulator struct {
	settings *config.Settings
	alarm    *worker.Alarm
	logger   *logrus.Entry

	devices []*device.Device
	byName  map[string]*device.Device
	index   map[string]int64
	cables  []cable
	islands [][]string
	graph   *simple.UndirectedGraph
}

// New builds and starts the network described by topology. Devices print
// ping results and test packets to out.
func New(settings *config.Settings, topology *config.Topology, out io.Writer) (*Simulator, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		settings: settings,
		alarm:    worker.NewAlarm(),
		logger:   log.Component("simulator", "simulator"),
		byName:   make(map[string]*device.Device),
		index:    make(map[string]int64),
	}

	for _, dc := range topology.Devices {
		d, err := device.New(dc, settings.Simulation, s.alarm, out)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.index[strings.ToLower(d.Name)] = int64(len(s.devices))
		s.devices = append(s.devices, d)
		s.byName[strings.ToLower(d.Name)] = d
		if err := d.ApplyRoutes(dc.Routes); err != nil {
			s.Close()
			return nil, err
		}
	}

	for _, cc := range topology.Cables {
		if err := s.plug(cc); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.checkConnectivity()
	s.logger.WithFields(logrus.Fields{"devices": len(s.devices), "cables": len(s.cables)}).Info("simulation started")
	return s, nil
}

func (s *Simulator) plug(cc config.CableConfig) error {
	ends := [2]*physical_layer.Switchport{}
	for i, end := range cc.Ends {
		d := s.Device(end.Device)
		if d == nil {
			return errors.Wrapf(ErrUnknownDevice, "cable %d: %s", cc.ID, end.Device)
		}
		port, err := d.Port(end.Interface)
		if err != nil {
			return errors.Wrapf(err, "cable %d", cc.ID)
		}
		ends[i] = port
	}

	delay := cc.Delay.Std()
	if delay <= 0 {
		delay = s.settings.Simulation.CableDelay
	}
	c := physical_layer.NewCable(cc.ID, delay)
	if err := c.Plug(ends[0], ends[1]); err != nil {
		c.Close()
		return errors.Wrapf(err, "cable %d", cc.ID)
	}
	s.cables = append(s.cables, cable{cfg: cc, cable: c})
	return nil
}

// checkConnectivity groups devices into islands that can reach each other
// over cables and warns if there is more than one.
func (s *Simulator) checkConnectivity() {
	g := simple.NewUndirectedGraph()
	for id := range s.devices {
		g.AddNode(simple.Node(int64(id)))
	}
	for _, c := range s.cables {
		from := s.index[strings.ToLower(c.cfg.Ends[0].Device)]
		to := s.index[strings.ToLower(c.cfg.Ends[1].Device)]
		if from == to {
			continue
		}
		g.SetEdge(g.NewEdge(g.Node(from), g.Node(to)))
	}
	s.graph = g

	s.islands = nil
	for _, component := range topo.ConnectedComponents(g) {
		names := make([]string, 0, len(component))
		for _, n := range component {
			names = append(names, s.devices[n.ID()].Name)
		}
		slices.Sort(names)
		s.islands = append(s.islands, names)
	}
	slices.SortFunc(s.islands, func(a, b []string) int {
		return strings.Compare(a[0], b[0])
	})

	if len(s.islands) > 1 {
		s.logger.WithField("islands", s.islands).Warn("topology is not connected")
	}
}

// Islands returns the names of devices cabled together, one sorted list
// per connected group.
func (s *Simulator) Islands() [][]string {
	return s.islands
}

// Path returns the devices on a shortest cable path from one device to
// another, both included.
func (s *Simulator) Path(from, to string) ([]string, error) {
	src, ok := s.index[strings.ToLower(from)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "%s", from)
	}
	dst, ok := s.index[strings.ToLower(to)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "%s", to)
	}
	var nodes []graph.Node
	if src == dst {
		nodes = []graph.Node{s.graph.Node(src)}
	} else {
		nodes, _ = path.DijkstraFrom(s.graph.Node(src), s.graph).To(dst)
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("no cable path from %s to %s", from, to)
	}
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = s.devices[n.ID()].Name
	}
	return names, nil
}

// Device finds a device by name, ignoring case.
func (s *Simulator) Device(name string) *device.Device {
	return s.byName[strings.ToLower(name)]
}

// Devices returns the devices in topology order.
func (s *Simulator) Devices() []*device.Device {
	return append([]*device.Device(nil), s.devices...)
}

func (s *Simulator) Settings() *config.Settings { return s.settings }

// Ping pings target from the named device. count of 0 uses the default.
func (s *Simulator) Ping(ctx context.Context, from string, target netip.Addr, count int) (application.Stats, error) {
	d := s.Device(from)
	if d == nil {
		return application.Stats{}, errors.Wrapf(ErrUnknownDevice, "%s", from)
	}
	return d.Ping(ctx, d.PingOptions(target, count, 0))
}

// Snapshot describes the running network, routes included.
func (s *Simulator) Snapshot() *config.Topology {
	t := &config.Topology{}
	for _, d := range s.devices {
		t.Devices = append(t.Devices, d.Snapshot())
	}
	for _, c := range s.cables {
		cc := c.cfg
		cc.Delay = config.Duration(c.cable.Delay())
		t.Cables = append(t.Cables, cc)
	}
	return t
}

func (s *Simulator) Save(file string) error {
	return config.SaveTopology(file, s.Snapshot())
}

// Close stops the alarm first so no wakeup reaches a stopped device.
func (s *Simulator) Close() {
	s.alarm.Stop()
	for _, c := range s.cables {
		c.cable.Close()
	}
	for _, d := range s.devices {
		d.Close()
	}
	s.logger.Info("simulation stopped")
}
