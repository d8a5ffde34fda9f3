package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"team21/psim/pkg/application"
	"team21/psim/pkg/common"
	"team21/psim/pkg/config"
	"team21/psim/pkg/link_layer"
	"team21/psim/pkg/log"
	"team21/psim/pkg/network_layer"
	"team21/psim/pkg/physical_layer"
	"team21/psim/pkg/transport_layer"
	"team21/psim/pkg/worker"
)

var ErrUnknownInterface = errors.New("unknown interface")

// Device is one node of the simulated network: a host or router with the
// full stack, or a switch with only the physical module and a learning
// switch on top.
type Device struct {
	Name string
	Type string

	Physic    *physical_layer.PhysicMod
	Ethernet  *link_layer.EthernetLayer
	IP        *network_layer.IPLayer
	Transport *transport_layer.TransportLayer
	Switch    *link_layer.SwitchNetMod

	sim    config.SimulationConfig
	out    io.Writer
	logger *logrus.Entry

	// switch interface names in port order
	portNames []string
	// set when no simulation-wide alarm was given
	ownAlarm *worker.Alarm
}

// New builds a device from its configuration. Routes are not applied; see
// ApplyRoutes. A nil alarm gives the device one of its own. Output of pings
// and test packets goes to out.
func New(cfg config.DeviceConfig, sim config.SimulationConfig, alarm *worker.Alarm, out io.Writer) (*Device, error) {
	if out == nil {
		out = io.Discard
	}
	d := &Device{
		Name:   cfg.Name,
		Type:   cfg.Type,
		sim:    sim,
		out:    out,
		logger: log.Component(cfg.Name, "device"),
		Physic: physical_layer.NewPhysicMod(cfg.Name),
	}

	var err error
	switch cfg.Type {
	case config.DeviceTypeSwitch:
		d.buildSwitch(cfg)
	case config.DeviceTypeCisco, config.DeviceTypeLinux:
		err = d.buildHost(cfg, alarm)
	default:
		err = errors.Errorf("device %s: unknown type %q", cfg.Name, cfg.Type)
	}
	if err != nil {
		d.Close()
		return nil, err
	}
	d.logger.WithField("type", cfg.Type).Info("device created")
	return d, nil
}

func (d *Device) buildSwitch(cfg config.DeviceConfig) {
	d.Switch = link_layer.NewSwitchNetMod(cfg.Name, d.Physic)
	d.Physic.SetNetMod(d.Switch)
	for _, ic := range cfg.Interfaces {
		d.Physic.AddSwitchport()
		d.portNames = append(d.portNames, ic.Name)
	}
}

func (d *Device) buildHost(cfg config.DeviceConfig, alarm *worker.Alarm) error {
	platform := common.PlatformLinux
	if cfg.Type == config.DeviceTypeCisco {
		platform = common.PlatformCisco
	}
	forwarding := len(cfg.Interfaces) > 1
	if cfg.Forwarding != nil {
		forwarding = *cfg.Forwarding
	}

	d.Ethernet = link_layer.NewEthernetLayer(cfg.Name)
	d.Physic.SetNetMod(d.Ethernet)
	if alarm == nil {
		d.ownAlarm = worker.NewAlarm()
		alarm = d.ownAlarm
	}
	d.IP = network_layer.NewIPLayer(network_layer.Config{
		Device:      cfg.Name,
		Platform:    platform,
		ArpTTL:      d.sim.ArpTTL,
		ArpCacheTTL: d.sim.ArpCacheTTL,
		Forwarding:  forwarding,
	}, d.Ethernet, alarm)
	d.Ethernet.SetReceiver(d.IP)

	d.Transport = transport_layer.NewTransportLayer(cfg.Name, d.IP)
	d.IP.SetTransport(d.Transport)
	d.IP.SetIcmpHandler(d.Transport.IcmpHandler())
	d.Transport.RegisterRecvHandler(common.ProtocolTypeTest, d.testPacketHandler)

	macs := newMacGenerator(cfg.Name)
	for i, ic := range cfg.Interfaces {
		mac, err := macs.macFor(ic.MAC, i)
		if err != nil {
			return errors.Wrapf(err, "device %s interface %s", cfg.Name, ic.Name)
		}
		var address netip.Prefix
		if ic.Address != "" {
			address, err = netip.ParsePrefix(ic.Address)
			if err != nil {
				return errors.Wrapf(err, "device %s interface %s", cfg.Name, ic.Name)
			}
		}
		port := d.Physic.AddSwitchport()
		eth := d.Ethernet.AddInterface(ic.Name, mac, port)
		d.IP.AddNetworkInterface(ic.Name, eth, address, ic.IsUp())
	}
	return nil
}

func (d *Device) testPacketHandler(packet *common.IpPacket, _ common.NetworkLayerAPI) error {
	raw, ok := packet.Data.(*common.RawPacket)
	if !ok {
		return errors.Errorf("unexpected payload %T", packet.Data)
	}
	fmt.Fprintf(d.out, "%s received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
		d.Name, packet.Header.Src, packet.Header.Dst, packet.Header.TTL, string(raw.Payload))
	return nil
}

func (d *Device) IsSwitch() bool { return d.Switch != nil }

func (d *Device) IsCisco() bool { return d.IP != nil && d.IP.CiscoWrapper() != nil }

// Port returns the switchport behind the named interface.
func (d *Device) Port(ifaceName string) (*physical_layer.Switchport, error) {
	if d.IsSwitch() {
		for i, name := range d.portNames {
			if strings.EqualFold(name, ifaceName) {
				return d.Physic.Switchport(i), nil
			}
		}
	} else if eth := d.Ethernet.InterfaceByName(ifaceName); eth != nil {
		return eth.Port, nil
	}
	return nil, errors.Wrapf(ErrUnknownInterface, "%s %s", d.Name, ifaceName)
}

// ApplyRoutes installs persisted routes. Nil routes on a linux device fill
// the table from the interfaces; a cisco device compiles its connected
// networks either way.
func (d *Device) ApplyRoutes(routes []config.RouteConfig) error {
	if d.IsSwitch() {
		if len(routes) > 0 {
			return errors.Errorf("switch %s cannot have routes", d.Name)
		}
		return nil
	}
	if d.IsCisco() {
		return d.applyCiscoRoutes(routes)
	}
	if routes == nil {
		d.IP.UpdateNewRoutingTable()
		return nil
	}
	return d.applyLinuxRoutes(routes)
}

func (d *Device) applyCiscoRoutes(routes []config.RouteConfig) error {
	wrapper := d.IP.CiscoWrapper()
	wrapper.Recompute()
	for _, rc := range routes {
		destination, err := netip.ParsePrefix(rc.Destination)
		if err != nil {
			return errors.Wrapf(err, "%s route", d.Name)
		}
		switch {
		case rc.Gateway != "" && rc.Interface != "":
			return errors.Wrapf(network_layer.ErrGatewayAndInterface, "%s route %s", d.Name, rc.Destination)
		case rc.Gateway != "":
			gateway, err := netip.ParseAddr(rc.Gateway)
			if err != nil {
				return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
			}
			err = wrapper.AddGatewayRoute(destination, gateway)
			if err != nil {
				return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
			}
		case rc.Interface != "":
			if err := wrapper.AddInterfaceRoute(destination, rc.Interface); err != nil {
				return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
			}
		default:
			return errors.Errorf("%s route %s has neither gateway nor interface", d.Name, rc.Destination)
		}
	}
	return nil
}

// applyLinuxRoutes adds interface records before gateway records, since a
// gateway must sit in a connected network.
func (d *Device) applyLinuxRoutes(routes []config.RouteConfig) error {
	table := d.IP.RoutingTable()
	var gatewayRoutes []config.RouteConfig
	for _, rc := range routes {
		if rc.Gateway != "" {
			gatewayRoutes = append(gatewayRoutes, rc)
			continue
		}
		destination, err := netip.ParsePrefix(rc.Destination)
		if err != nil {
			return errors.Wrapf(err, "%s route", d.Name)
		}
		iface := d.IP.NetworkInterfaceByName(rc.Interface)
		if iface == nil {
			return errors.Wrapf(network_layer.ErrNoSuchInterface, "%s route %s: %q", d.Name, rc.Destination, rc.Interface)
		}
		if err := table.AddRecord(destination, iface); err != nil {
			return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
		}
	}
	for _, rc := range gatewayRoutes {
		destination, err := netip.ParsePrefix(rc.Destination)
		if err != nil {
			return errors.Wrapf(err, "%s route", d.Name)
		}
		gateway, err := netip.ParseAddr(rc.Gateway)
		if err != nil {
			return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
		}
		var iface *network_layer.NetworkInterface
		if rc.Interface != "" {
			if iface = d.IP.NetworkInterfaceByName(rc.Interface); iface == nil {
				return errors.Wrapf(network_layer.ErrNoSuchInterface, "%s route %s: %q", d.Name, rc.Destination, rc.Interface)
			}
		}
		if err := table.AddRecordWithGateway(destination, gateway, iface); err != nil {
			return errors.Wrapf(err, "%s route %s", d.Name, rc.Destination)
		}
	}
	return nil
}

// Snapshot describes the live device in topology form. Cisco devices save
// their static routes, linux devices their whole routing table.
func (d *Device) Snapshot() config.DeviceConfig {
	cfg := config.DeviceConfig{Name: d.Name, Type: d.Type}
	if d.IsSwitch() {
		for _, name := range d.portNames {
			cfg.Interfaces = append(cfg.Interfaces, config.InterfaceConfig{Name: name})
		}
		return cfg
	}

	for _, iface := range d.IP.NetworkInterfaces() {
		up := iface.IsUp()
		ic := config.InterfaceConfig{Name: iface.Name, MAC: iface.MAC().String(), Up: &up}
		if a, ok := iface.Address(); ok {
			ic.Address = a.String()
		}
		cfg.Interfaces = append(cfg.Interfaces, ic)
	}

	cfg.Routes = []config.RouteConfig{}
	if d.IsCisco() {
		for _, r := range d.IP.CiscoWrapper().Routes() {
			rc := config.RouteConfig{Destination: r.Destination.String(), Interface: r.InterfaceName}
			if r.HasGateway() {
				rc.Gateway = r.Gateway.String()
			}
			cfg.Routes = append(cfg.Routes, rc)
		}
		return cfg
	}

	forwarding := d.IP.Forwarding()
	cfg.Forwarding = &forwarding
	for _, r := range d.IP.RoutingTable().Records() {
		rc := config.RouteConfig{Destination: r.Destination.String()}
		if r.HasGateway() {
			rc.Gateway = r.Gateway.String()
		}
		if r.Interface != nil {
			rc.Interface = r.Interface.Name
		}
		cfg.Routes = append(cfg.Routes, rc)
	}
	return cfg
}

// PingOptions fills the settings defaults in. count and size of 0 keep
// the defaults.
func (d *Device) PingOptions(target netip.Addr, count, size int) application.PingOptions {
	opts := application.PingOptions{
		Target:   target,
		Count:    d.sim.PingCount,
		Size:     d.sim.PingSize,
		Timeout:  d.sim.PingTimeout,
		Interval: d.sim.PingInterval,
	}
	if count > 0 {
		opts.Count = count
	}
	if size > 0 {
		opts.Size = size
	}
	return opts
}

// Ping runs a ping application on the device and blocks until it ends.
func (d *Device) Ping(ctx context.Context, opts application.PingOptions) (application.Stats, error) {
	if d.IsSwitch() {
		return application.Stats{}, errors.Errorf("%s is a switch", d.Name)
	}
	ping := application.NewPingApplication(d.Name, d.Transport, opts, application.FormatterFor(d.IP.Platform()), d.out)
	return ping.Run(ctx), nil
}

// Send queues a test protocol packet carrying message.
func (d *Device) Send(dst netip.Addr, message string) error {
	if d.IsSwitch() {
		return errors.Errorf("%s is a switch", d.Name)
	}
	d.IP.SendPacket(&common.RawPacket{Proto: common.ProtocolTypeTest, Payload: []byte(message)}, dst, 0)
	return nil
}

// Degraded reports whether one of the device's workers has panicked.
func (d *Device) Degraded() bool {
	return d.IP != nil && d.IP.Degraded()
}

func (d *Device) Close() {
	if d.ownAlarm != nil {
		d.ownAlarm.Stop()
	}
	if d.IP != nil {
		d.IP.Close()
	}
	d.Physic.Close()
}

// macGenerator derives locally administered addresses from the device's
// own random stream. The last byte is the interface index.
type macGenerator struct {
	rng *rngstream.RngStream
}

func newMacGenerator(device string) *macGenerator {
	return &macGenerator{rng: rngstream.New(device)}
}

func (g *macGenerator) randomByte() byte {
	return byte(g.rng.RandU01() * 256)
}

func (g *macGenerator) macFor(configured string, index int) (net.HardwareAddr, error) {
	if configured != "" {
		mac, err := net.ParseMAC(configured)
		if err != nil {
			return nil, err
		}
		return mac, nil
	}
	return net.HardwareAddr{0x02, g.randomByte(), g.randomByte(), g.randomByte(), g.randomByte(), byte(index)}, nil
}
