package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidTopology = errors.New("invalid topology")

const (
	DeviceTypeCisco  = "cisco"
	DeviceTypeLinux  = "linux"
	DeviceTypeSwitch = "switch"
)

type Topology struct {
	Devices []DeviceConfig `yaml:"devices"`
	Cables  []CableConfig  `yaml:"cables"`
}

type DeviceConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	// Forwarding applies to linux devices. Unset enables it when the
	// device has more than one interface.
	Forwarding *bool `yaml:"forwarding,omitempty"`
	// Routes is nil when no routing configuration was persisted.
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

type InterfaceConfig struct {
	Name string `yaml:"name"`
	// Address in CIDR form, e.g. 10.0.0.1/24. Empty leaves it unaddressed.
	Address string `yaml:"address,omitempty"`
	MAC     string `yaml:"mac,omitempty"`
	Up      *bool  `yaml:"up,omitempty"`
}

// IsUp defaults to true.
func (i InterfaceConfig) IsUp() bool {
	return i.Up == nil || *i.Up
}

// RouteConfig is a Cisco static route or a Linux routing table record.
// Destination is CIDR; at most one of Gateway and Interface may be empty
// for cisco routes.
type RouteConfig struct {
	Destination string `yaml:"destination"`
	Gateway     string `yaml:"gateway,omitempty"`
	Interface   string `yaml:"interface,omitempty"`
}

type CableConfig struct {
	ID    int          `yaml:"id"`
	Delay Duration     `yaml:"delay,omitempty"`
	Ends  [2]EndConfig `yaml:"ends"`
}

type EndConfig struct {
	Device    string `yaml:"device"`
	Interface string `yaml:"interface"`
}

func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read topology %s", path)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "parse topology")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func SaveTopology(path string, t *Topology) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode topology")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write topology %s", path)
	}
	return nil
}

// Validate checks names and cable ends. Addresses and routes are checked
// when the simulator builds the devices.
func (t *Topology) Validate() error {
	ifaces := make(map[string]map[string]bool, len(t.Devices))
	for _, d := range t.Devices {
		if d.Name == "" {
			return errors.Wrap(ErrInvalidTopology, "device without a name")
		}
		if _, dup := ifaces[d.Name]; dup {
			return errors.Wrapf(ErrInvalidTopology, "duplicate device %q", d.Name)
		}
		switch d.Type {
		case DeviceTypeCisco, DeviceTypeLinux, DeviceTypeSwitch:
		default:
			return errors.Wrapf(ErrInvalidTopology, "device %q has unknown type %q", d.Name, d.Type)
		}
		names := make(map[string]bool, len(d.Interfaces))
		for _, i := range d.Interfaces {
			if i.Name == "" || names[i.Name] {
				return errors.Wrapf(ErrInvalidTopology, "device %q: bad or duplicate interface name %q", d.Name, i.Name)
			}
			names[i.Name] = true
		}
		ifaces[d.Name] = names
	}

	used := make(map[EndConfig]int)
	ids := make(map[int]bool)
	for _, c := range t.Cables {
		if ids[c.ID] {
			return errors.Wrapf(ErrInvalidTopology, "duplicate cable id %d", c.ID)
		}
		ids[c.ID] = true
		for _, end := range c.Ends {
			names, ok := ifaces[end.Device]
			if !ok || !names[end.Interface] {
				return errors.Wrapf(ErrInvalidTopology, "cable %d: no interface %s/%s", c.ID, end.Device, end.Interface)
			}
			if other, taken := used[end]; taken {
				return errors.Wrapf(ErrInvalidTopology, "cable %d: %s/%s already used by cable %d", c.ID, end.Device, end.Interface, other)
			}
			used[end] = c.ID
		}
	}
	return nil
}
