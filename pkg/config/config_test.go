package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 3*time.Second, s.Simulation.ArpTTL)
	assert.Equal(t, 10*time.Millisecond, s.Simulation.CableDelay)
	assert.Equal(t, 10*time.Second, s.Simulation.PingTimeout)
	assert.Equal(t, time.Second, s.Simulation.PingInterval)
	assert.Equal(t, 4, s.Simulation.PingCount)
	assert.Equal(t, 56, s.Simulation.PingSize)
	assert.Equal(t, time.Duration(0), s.Simulation.ArpCacheTTL)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "text", s.Log.Format)
}

func TestLoadSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
log:
  level: debug
  format: json
simulation:
  arp_ttl: 500ms
  ping_count: 2
topology: topo.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 500*time.Millisecond, s.Simulation.ArpTTL)
	assert.Equal(t, 2, s.Simulation.PingCount)
	assert.Equal(t, 56, s.Simulation.PingSize)
	assert.Equal(t, "topo.yaml", s.Topology)
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	t.Setenv("PSIM_SIMULATION_ARP_TTL", "250ms")
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.Simulation.ArpTTL)
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))
	_, err := LoadSettings(path)
	assert.Error(t, err)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

const sampleTopology = `
devices:
  - name: R1
    type: cisco
    interfaces:
      - name: FastEthernet0/0
        address: 10.0.0.1/24
      - name: FastEthernet0/1
        address: 192.168.1.1/24
        up: false
    routes:
      - destination: 0.0.0.0/0
        gateway: 10.0.0.2
  - name: PC1
    type: linux
    interfaces:
      - name: eth0
        address: 10.0.0.2/24
cables:
  - id: 1
    delay: 50ms
    ends:
      - device: R1
        interface: FastEthernet0/0
      - device: PC1
        interface: eth0
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology))
	require.NoError(t, err)
	require.Len(t, topo.Devices, 2)

	r1 := topo.Devices[0]
	assert.Equal(t, DeviceTypeCisco, r1.Type)
	assert.True(t, r1.Interfaces[0].IsUp())
	assert.False(t, r1.Interfaces[1].IsUp())
	require.Len(t, r1.Routes, 1)
	assert.Equal(t, "10.0.0.2", r1.Routes[0].Gateway)

	assert.Nil(t, topo.Devices[1].Routes)

	require.Len(t, topo.Cables, 1)
	assert.Equal(t, 50*time.Millisecond, topo.Cables[0].Delay.Std())
}

func TestTopologyRoundTrip(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveTopology(path, topo))

	loaded, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, topo, loaded)
}

func TestTopologyValidation(t *testing.T) {
	cases := map[string]string{
		"unknown type": `
devices:
  - name: X
    type: mainframe
`,
		"duplicate device": `
devices:
  - name: X
    type: linux
  - name: X
    type: linux
`,
		"dangling cable": `
devices:
  - name: X
    type: linux
    interfaces:
      - name: eth0
cables:
  - id: 1
    ends:
      - device: X
        interface: eth0
      - device: Y
        interface: eth0
`,
		"port used twice": `
devices:
  - name: X
    type: linux
    interfaces:
      - name: eth0
  - name: Y
    type: linux
    interfaces:
      - name: eth0
      - name: eth1
cables:
  - id: 1
    ends:
      - device: X
        interface: eth0
      - device: Y
        interface: eth0
  - id: 2
    ends:
      - device: X
        interface: eth0
      - device: Y
        interface: eth1
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidTopology)
		})
	}
}
