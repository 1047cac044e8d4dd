// Package config loads the device model configuration from YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	DMA     DMAConfig     `yaml:"dma"`
	Guest   GuestConfig   `yaml:"guest"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	IPC     IPCConfig     `yaml:"ipc"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`
}

type DeviceConfig struct {
	// Pipes is the number of copy engine pipes, at most 12.
	Pipes          int           `yaml:"pipes"`
	PipeEntries    int           `yaml:"pipe_entries"`
	PipeBufferSize int           `yaml:"pipe_buffer_size"`
	DrainWorkers   int           `yaml:"drain_workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// PendingRxLimit bounds inbound frames waiting for a receive slot.
	PendingRxLimit int           `yaml:"pending_rx_limit"`
	MMIOBase       uint64        `yaml:"mmio_base"`
	IRQLine        uint8         `yaml:"irq_line"`
}

type DMAConfig struct {
	// Budget is the most payload bytes held in device-side DMA nodes.
	Budget int `yaml:"budget"`
}

type GuestConfig struct {
	MemorySize int `yaml:"memory_size"`
}

type BridgeConfig struct {
	// Mode is "udp" or "none".
	Mode        string `yaml:"mode"`
	Host        string `yaml:"host"`
	// Ports is the port pair tried when Listen and Peer are empty.
	Ports       []int  `yaml:"ports"`
	Listen      string `yaml:"listen"`
	Peer        string `yaml:"peer"`
	Capture     string `yaml:"capture"`
	SendRetries int    `yaml:"send_retries"`
}

type IPCConfig struct {
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
}

type StatsConfig struct {
	// Type is "none", "prometheus" or "graphite".
	Type      string        `yaml:"type"`
	Interval  time.Duration `yaml:"interval"`
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Host      string        `yaml:"host"`
	Protocol  string        `yaml:"protocol"`
	Prefix    string        `yaml:"prefix"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Pipes:          1,
			PipeEntries:    32,
			PipeBufferSize: 2048,
			DrainWorkers:   20,
			PollInterval:   10 * time.Millisecond,
			PendingRxLimit: 64,
			MMIOBase:       0xe000_0000,
			IRQLine:        11,
		},
		DMA: DMAConfig{
			Budget: 4 << 20,
		},
		Guest: GuestConfig{
			MemorySize: 64 << 20,
		},
		Bridge: BridgeConfig{
			Mode:        "udp",
			Host:        "127.0.0.1",
			Ports:       []int{12700, 12701},
			SendRetries: 3,
		},
		IPC: IPCConfig{
			Socket: "/tmp/wlsimu.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: StatsConfig{
			Type:      "none",
			Interval:  10 * time.Second,
			Listen:    "127.0.0.1:9100",
			Path:      "/metrics",
			Namespace: "wlsim",
			Protocol:  "tcp",
			Prefix:    "wlsim",
		},
	}
}

// Parse decodes YAML and fills unset fields from Default.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := mergo.Merge(&c, Default()); err != nil {
		return Config{}, fmt.Errorf("config: apply defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads the file at path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	d := c.Device
	switch {
	case d.Pipes < 1 || d.Pipes > 12:
		return fmt.Errorf("config: device.pipes must be between 1 and 12, got %d", d.Pipes)
	case d.PipeEntries < 1 || d.PipeEntries > 1<<16:
		return fmt.Errorf("config: device.pipe_entries must be between 1 and 65536, got %d", d.PipeEntries)
	case d.PipeBufferSize < 1 || d.PipeBufferSize > 0xffff:
		return fmt.Errorf("config: device.pipe_buffer_size must be between 1 and 65535, got %d", d.PipeBufferSize)
	case d.DrainWorkers < 1:
		return fmt.Errorf("config: device.drain_workers must be positive, got %d", d.DrainWorkers)
	case d.PollInterval <= 0:
		return fmt.Errorf("config: device.poll_interval must be positive, got %s", d.PollInterval)
	case d.PendingRxLimit < 1:
		return fmt.Errorf("config: device.pending_rx_limit must be positive, got %d", d.PendingRxLimit)
	case c.DMA.Budget < 1:
		return fmt.Errorf("config: dma.budget must be positive, got %d", c.DMA.Budget)
	case c.Guest.MemorySize < 1:
		return fmt.Errorf("config: guest.memory_size must be positive, got %d", c.Guest.MemorySize)
	}

	switch c.Bridge.Mode {
	case "none":
	case "udp":
		if c.Bridge.Listen != "" || c.Bridge.Peer != "" {
			if _, err := net.ResolveUDPAddr("udp", c.Bridge.Listen); err != nil {
				return fmt.Errorf("config: bridge.listen: %w", err)
			}
			if _, err := net.ResolveUDPAddr("udp", c.Bridge.Peer); err != nil {
				return fmt.Errorf("config: bridge.peer: %w", err)
			}
		} else if len(c.Bridge.Ports) != 2 {
			return fmt.Errorf("config: bridge.ports must hold exactly two ports, got %d", len(c.Bridge.Ports))
		}
	default:
		return fmt.Errorf("config: bridge.mode %q not understood", c.Bridge.Mode)
	}

	switch c.Stats.Type {
	case "none", "prometheus", "graphite":
	default:
		return fmt.Errorf("config: stats.type %q not understood", c.Stats.Type)
	}
	if c.Stats.Type != "none" && c.Stats.Interval <= 0 {
		return fmt.Errorf("config: stats.interval must be positive, got %s", c.Stats.Interval)
	}
	return nil
}
