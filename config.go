package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/monasticacademy/flowgen/pkg/cmanager"
)

// Configuration is the YAML configuration file. Anything invalid here is
// fatal at startup; the data plane never revalidates it.
type Configuration struct {
	Engine   EngineConfig     `yaml:"engine"`
	Nic      NicConfig        `yaml:"nic"`
	Kni      KniConfig        `yaml:"kni"`
	Queues   []QueueConfig    `yaml:"queues"`
	Injector InjectorConfig   `yaml:"injector"`
	Wheel    WheelConfig      `yaml:"timer_wheel"`
	Servers  []ServerConfig   `yaml:"servers"`
}

// EngineConfig describes our own endpoint.
type EngineConfig struct {
	Mac   string `yaml:"mac"`
	IPNet string `yaml:"ipnet"` // CIDR; the address part is the engine IP
	Port  uint16 `yaml:"port"`
}

// NicConfig names the physical interface and its port id; one receive queue
// is driven per entry of queues. Flow steering must deliver dst ports
// [tcp_port_base_i, +pool_size_i) to queue i; the state machine asserts that
// no server-side frame below tcp_port_base_i reaches queue i.
type NicConfig struct {
	Name   string `yaml:"name"`
	PortID uint16 `yaml:"port_id"`
}

// KniConfig describes the virtual interface handed to the kernel.
type KniConfig struct {
	Name  string `yaml:"name"`
	Netns string `yaml:"netns"`
	IPNet string `yaml:"ipnet"`
	Mac   string `yaml:"mac"`
}

// QueueConfig is the per-pipeline proxy port range.
type QueueConfig struct {
	Core        uint16 `yaml:"core"`
	TCPPortBase uint16 `yaml:"tcp_port_base"`
	PoolSize    int    `yaml:"pool_size"`
}

// InjectorConfig controls the synthetic SYN source. NoBatches == 0 means
// unbounded; leaving it unset picks the stock batch count.
type InjectorConfig struct {
	NoBatches *uint32 `yaml:"no_batches"`
}

// noBatches resolves the configured batch count.
func (c *Configuration) noBatches() uint32 {
	if c.Injector.NoBatches == nil {
		return 512
	}
	return *c.Injector.NoBatches
}

// WheelConfig parametrizes the timer wheel.
type WheelConfig struct {
	Slots        int    `yaml:"slots"`
	Granularity  uint64 `yaml:"granularity"`
	Levels       int    `yaml:"levels"`
	TimeoutTicks uint64 `yaml:"timeout_ticks"`
}

// ServerConfig is one selectable backend server.
type ServerConfig struct {
	ID   string `yaml:"id"`
	Mac  string `yaml:"mac"`
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

func loadConfiguration(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	var conf Configuration
	err = yaml.Unmarshal(raw, &conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing configuration file %q: %w", path, err)
	}

	conf.applyDefaults()
	err = conf.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return &conf, nil
}

func (c *Configuration) applyDefaults() {
	if c.Wheel.Slots == 0 {
		c.Wheel.Slots = 128
	}
	if c.Wheel.Granularity == 0 {
		c.Wheel.Granularity = 16
	}
	if c.Wheel.Levels == 0 {
		c.Wheel.Levels = 128
	}
	if c.Wheel.TimeoutTicks == 0 {
		c.Wheel.TimeoutTicks = 2048
	}
	if c.Kni.Name == "" {
		c.Kni.Name = "vEth1"
	}
	if c.Kni.Netns == "" {
		c.Kni.Netns = "nskni"
	}
}

func (c *Configuration) validate() error {
	_, err := c.EngineL234()
	if err != nil {
		return err
	}
	if c.Nic.Name == "" {
		return fmt.Errorf("nic.name must be set")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue must be configured")
	}
	for i, q := range c.Queues {
		if q.PoolSize <= 0 || int(q.TCPPortBase)+q.PoolSize > 1<<16 {
			return fmt.Errorf("queue %d: invalid proxy port range [%d, %d)", i, q.TCPPortBase, int(q.TCPPortBase)+q.PoolSize)
		}
		// ranges must be disjoint so that flow steering can pin each range
		// to its pipeline
		for j, p := range c.Queues[:i] {
			if int(q.TCPPortBase) < int(p.TCPPortBase)+p.PoolSize && int(p.TCPPortBase) < int(q.TCPPortBase)+q.PoolSize {
				return fmt.Errorf("queues %d and %d have overlapping proxy port ranges", j, i)
			}
		}
	}
	_, err = c.ServerL234()
	return err
}

// EngineL234 builds the engine endpoint address from the configuration.
func (c *Configuration) EngineL234() (cmanager.L234Data, error) {
	mac, err := net.ParseMAC(c.Engine.Mac)
	if err != nil {
		return cmanager.L234Data{}, fmt.Errorf("error parsing engine.mac %q: %w", c.Engine.Mac, err)
	}
	ip, _, err := net.ParseCIDR(c.Engine.IPNet)
	if err != nil {
		return cmanager.L234Data{}, fmt.Errorf("error parsing engine.ipnet %q: %w", c.Engine.IPNet, err)
	}
	ip4, err := ipv4ToUint32(ip)
	if err != nil {
		return cmanager.L234Data{}, fmt.Errorf("engine.ipnet: %w", err)
	}
	return cmanager.L234Data{
		MAC:      mac,
		IP:       ip4,
		Port:     c.Engine.Port,
		ServerID: "flowgen",
	}, nil
}

// ServerL234 builds the backend server list from the configuration.
func (c *Configuration) ServerL234() ([]cmanager.L234Data, error) {
	servers := make([]cmanager.L234Data, 0, len(c.Servers))
	for i, s := range c.Servers {
		mac, err := net.ParseMAC(s.Mac)
		if err != nil {
			return nil, fmt.Errorf("error parsing servers[%d].mac %q: %w", i, s.Mac, err)
		}
		ip := net.ParseIP(s.IP)
		if ip == nil {
			return nil, fmt.Errorf("error parsing servers[%d].ip %q", i, s.IP)
		}
		ip4, err := ipv4ToUint32(ip)
		if err != nil {
			return nil, fmt.Errorf("servers[%d].ip: %w", i, err)
		}
		servers = append(servers, cmanager.L234Data{MAC: mac, IP: ip4, Port: s.Port, ServerID: s.ID})
	}
	return servers, nil
}

func ipv4ToUint32(ip net.IP) (uint32, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("%v is not an IPv4 address", ip)
	}
	return binary.BigEndian.Uint32(ip4), nil
}
