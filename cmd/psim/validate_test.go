package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topology = `
devices:
  - name: R1
    type: cisco
    interfaces:
      - {name: gi0, address: 10.0.0.1/24}
    routes:
      - {destination: 0.0.0.0/0, gateway: 10.0.0.2}
  - name: H1
    type: linux
    interfaces:
      - {name: eth0, address: 10.0.0.2/24}
  - name: H2
    type: linux
    interfaces:
      - {name: eth0, address: 10.0.9.2/24}
cables:
  - id: 1
    ends: [{device: R1, interface: gi0}, {device: H1, interface: eth0}]
`

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topology), 0o644))

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"validate", "--topology", path, "--log-level", "error"})
	require.NoError(t, rootCmd.Execute())

	text := out.String()
	assert.Contains(t, text, "WARNING: 2 separate groups of devices\n  H1 R1\n  H2\n")
	assert.Contains(t, text, "R1# show running-config\nip route 0.0.0.0 0.0.0.0 10.0.0.2\n")
	assert.Contains(t, text, "Gateway of last resort is 0.0.0.0 to network 0.0.0.0")
	assert.Contains(t, text, "VALID: 3 device(s), 1 cable(s)")
}

func TestValidateWithoutTopology(t *testing.T) {
	topologyFile = ""
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"validate", "--log-level", "error"})
	assert.Error(t, rootCmd.Execute())
}
