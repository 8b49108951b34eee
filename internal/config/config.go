// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration.
package config

import (
	"time"
)

// Config is the root of the configuration file.
type Config struct {
	Engine  *EngineConfig  `hcl:"engine,block" json:"engine,omitempty"`
	Diag    *DiagConfig    `hcl:"diag,block" json:"diag,omitempty"`
	Control *ControlConfig `hcl:"control,block" json:"control,omitempty"`
	NFQueue *NFQueueConfig `hcl:"nfqueue,block" json:"nfqueue,omitempty"`
	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty"`
	Rules   []Rule         `hcl:"rule,block" json:"rules,omitempty"`
}

// EngineConfig bounds the connection cache and the control event queue.
type EngineConfig struct {
	MaxEntries       int    `hcl:"max_entries,optional" json:"max_entries,omitempty"`
	IdleTimeout      string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	SweepInterval    string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	MaxQueuedPackets int    `hcl:"max_queued_packets,optional" json:"max_queued_packets,omitempty"`
	EventQueueSize   int    `hcl:"event_queue_size,optional" json:"event_queue_size,omitempty"`
}

// DiagConfig sizes the diagnostic ring. With Echo set the daemon drains the
// ring into its own log instead of leaving it for a control-channel reader.
type DiagConfig struct {
	Capacity     int    `hcl:"capacity,optional" json:"capacity,omitempty"`
	Echo         bool   `hcl:"echo,optional" json:"echo,omitempty"`
	EchoInterval string `hcl:"echo_interval,optional" json:"echo_interval,omitempty"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Socket  string `hcl:"socket,optional" json:"socket,omitempty"`
	Metrics bool   `hcl:"metrics,optional" json:"metrics,omitempty"`
	// StreamInterval is how often the websocket stream polls for events.
	StreamInterval string `hcl:"stream_interval,optional" json:"stream_interval,omitempty"`
}

// NFQueueConfig configures the Linux backend.
type NFQueueConfig struct {
	QueueNum    int    `hcl:"queue_num,optional" json:"queue_num,omitempty"`
	Mark        int    `hcl:"mark,optional" json:"mark,omitempty"`
	Table       string `hcl:"table,optional" json:"table,omitempty"`
	MaxQueueLen int    `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty"`
	// FailOpen lets traffic pass when the queue has no listener.
	FailOpen bool `hcl:"fail_open,optional" json:"fail_open,omitempty"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// Rule is a statically configured verdict, applied without asking user mode.
type Rule struct {
	Name        string `hcl:"name,label" json:"name"`
	Protocol    string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Direction   string `hcl:"direction,optional" json:"direction,omitempty"`
	Local       string `hcl:"local,optional" json:"local,omitempty"`
	Remote      string `hcl:"remote,optional" json:"remote,omitempty"`
	LocalPort   int    `hcl:"local_port,optional" json:"local_port,omitempty"`
	RemotePort  int    `hcl:"remote_port,optional" json:"remote_port,omitempty"`
	RemotePorts []int  `hcl:"remote_ports,optional" json:"remote_ports,omitempty"`
	Verdict     string `hcl:"verdict" json:"verdict"`

	RedirectAddress string `hcl:"redirect_address,optional" json:"redirect_address,omitempty"`
	RedirectPort    int    `hcl:"redirect_port,optional" json:"redirect_port,omitempty"`
}

const (
	DefaultSocket = "/run/interceptor/control.sock"
	DefaultTable  = "interceptor"
	DefaultMark   = 0x1e7
)

// DefaultConfig returns a configuration with every block populated.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.Engine.MaxEntries == 0 {
		c.Engine.MaxEntries = 65536
	}
	if c.Engine.IdleTimeout == "" {
		c.Engine.IdleTimeout = "5m"
	}
	if c.Engine.SweepInterval == "" {
		c.Engine.SweepInterval = "30s"
	}
	if c.Engine.MaxQueuedPackets == 0 {
		c.Engine.MaxQueuedPackets = 64
	}
	if c.Engine.EventQueueSize == 0 {
		c.Engine.EventQueueSize = 4096
	}

	if c.Diag == nil {
		c.Diag = &DiagConfig{}
	}
	if c.Diag.Capacity == 0 {
		c.Diag.Capacity = 1024
	}
	if c.Diag.EchoInterval == "" {
		c.Diag.EchoInterval = "1s"
	}

	if c.Control == nil {
		c.Control = &ControlConfig{Metrics: true}
	}
	if c.Control.Socket == "" {
		c.Control.Socket = DefaultSocket
	}
	if c.Control.StreamInterval == "" {
		c.Control.StreamInterval = "250ms"
	}

	if c.NFQueue == nil {
		c.NFQueue = &NFQueueConfig{}
	}
	if c.NFQueue.Mark == 0 {
		c.NFQueue.Mark = DefaultMark
	}
	if c.NFQueue.Table == "" {
		c.NFQueue.Table = DefaultTable
	}
	if c.NFQueue.MaxQueueLen == 0 {
		c.NFQueue.MaxQueueLen = 4096
	}

	if c.Log == nil {
		c.Log = &LogConfig{Level: "info"}
	}
}

// duration parses s, falling back to def when s is empty or invalid.
// Validate reports invalid values before they get here.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (e *EngineConfig) Idle() time.Duration  { return duration(e.IdleTimeout, 5*time.Minute) }
func (e *EngineConfig) Sweep() time.Duration { return duration(e.SweepInterval, 30*time.Second) }
func (d *DiagConfig) Interval() time.Duration {
	return duration(d.EchoInterval, time.Second)
}
func (c *ControlConfig) Stream() time.Duration {
	return duration(c.StreamInterval, 250*time.Millisecond)
}
