package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const validConfig = `
engine:
  mac: "02:00:00:00:00:01"
  ipnet: "10.0.0.1/24"
  port: 8000
nic:
  name: eth1
queues:
  - core: 2
    tcp_port_base: 10000
    pool_size: 2048
  - core: 3
    tcp_port_base: 12048
    pool_size: 2048
servers:
  - id: web0
    mac: "02:00:00:00:00:02"
    ip: "10.0.0.2"
    port: 80
`

func TestLoadValidConfiguration(t *testing.T) {
	conf, err := loadConfiguration(writeConfig(t, validConfig))
	require.NoError(t, err)

	me, err := conf.EngineL234()
	require.NoError(t, err)
	require.Equal(t, testEngineMAC, me.MAC)
	require.Equal(t, testEngineIP, me.IP)
	require.Equal(t, uint16(8000), me.Port)

	servers, err := conf.ServerL234()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "web0", servers[0].ServerID)
	require.Equal(t, testServerIP, servers[0].IP)

	// unset sections pick up the stock values
	require.Equal(t, 128, conf.Wheel.Slots)
	require.Equal(t, uint64(16), conf.Wheel.Granularity)
	require.Equal(t, 128, conf.Wheel.Levels)
	require.Equal(t, uint32(512), conf.noBatches())
	require.Equal(t, "vEth1", conf.Kni.Name)
	require.Equal(t, "nskni", conf.Kni.Netns)
}

func TestExplicitZeroBatchesMeansUnbounded(t *testing.T) {
	conf, err := loadConfiguration(writeConfig(t, validConfig+`
injector:
  no_batches: 0
`))
	require.NoError(t, err)
	require.Equal(t, uint32(0), conf.noBatches())
}

func TestBadEngineMacIsFatal(t *testing.T) {
	_, err := loadConfiguration(writeConfig(t, `
engine:
  mac: "not-a-mac"
  ipnet: "10.0.0.1/24"
  port: 8000
nic:
  name: eth1
queues:
  - {core: 2, tcp_port_base: 10000, pool_size: 16}
`))
	require.Error(t, err)
}

func TestBadCidrIsFatal(t *testing.T) {
	_, err := loadConfiguration(writeConfig(t, `
engine:
  mac: "02:00:00:00:00:01"
  ipnet: "10.0.0.1"
  port: 8000
nic:
  name: eth1
queues:
  - {core: 2, tcp_port_base: 10000, pool_size: 16}
`))
	require.Error(t, err)
}

func TestOverlappingPortRangesAreFatal(t *testing.T) {
	_, err := loadConfiguration(writeConfig(t, `
engine:
  mac: "02:00:00:00:00:01"
  ipnet: "10.0.0.1/24"
  port: 8000
nic:
  name: eth1
queues:
  - {core: 2, tcp_port_base: 10000, pool_size: 2048}
  - {core: 3, tcp_port_base: 11000, pool_size: 2048}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "overlapping")
}

func TestPortRangeBeyond65535IsFatal(t *testing.T) {
	_, err := loadConfiguration(writeConfig(t, `
engine:
  mac: "02:00:00:00:00:01"
  ipnet: "10.0.0.1/24"
  port: 8000
nic:
  name: eth1
queues:
  - {core: 2, tcp_port_base: 65000, pool_size: 2048}
`))
	require.Error(t, err)
}
