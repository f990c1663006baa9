// Package config holds the stack's persisted and statically-provisioned
// configuration: the interfaces to bring up, the NAT public interface and
// port-forward rules, and the tunable protocol timers. It keeps the
// teacher's atomic-write-plus-change-notification shape (config.go in
// the original), generalized from one ledger RPC URL to the shape this
// stack actually needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// InterfaceConfig describes one interface to bring up: its address,
// subnet mask, optional default gateway, and link MTU.
type InterfaceConfig struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Mask    string `json:"mask" yaml:"mask"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	MTU     int    `json:"mtu" yaml:"mtu"`
}

// PortForwardRuleConfig is the on-disk form of a NAT port-forward rule
// (§4.J); internal/stack translates Protocol ("tcp"/"udp") into the
// internal/ipv4 protocol-number constants when wiring nat.Stack.
type PortForwardRuleConfig struct {
	Protocol         string `json:"protocol" yaml:"protocol"`
	PublicPortLow    uint16 `json:"public_port_low" yaml:"public_port_low"`
	PublicPortHigh   uint16 `json:"public_port_high" yaml:"public_port_high"`
	PrivateInterface string `json:"private_interface" yaml:"private_interface"`
	PrivateIP        string `json:"private_ip" yaml:"private_ip"`
	PrivatePortLow   uint16 `json:"private_port_low" yaml:"private_port_low"`
}

// NATConfig configures the NAPT translator: which interface is public,
// the dynamic-session port range, and any static port-forward rules.
type NATConfig struct {
	PublicInterface string                  `json:"public_interface" yaml:"public_interface"`
	PortRangeLow    uint16                  `json:"port_range_low" yaml:"port_range_low"`
	PortRangeHigh   uint16                  `json:"port_range_high" yaml:"port_range_high"`
	Rules           []PortForwardRuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// TimerConfig collects the tunables spec.md's Open Questions leave to
// the implementation: ARP retransmission/idle decay, reassembly
// timeout, and TCP's TimeWait linger.
type TimerConfig struct {
	ARPRequestTimeout time.Duration `json:"arp_request_timeout" yaml:"arp_request_timeout"`
	ARPEntryIdle      time.Duration `json:"arp_entry_idle" yaml:"arp_entry_idle"`
	ReassemblyTimeout time.Duration `json:"reassembly_timeout" yaml:"reassembly_timeout"`
	TCPTimeWaitLinger time.Duration `json:"tcp_time_wait_linger" yaml:"tcp_time_wait_linger"`
}

// DefaultTimers returns the config layer's default timer values. The
// ARP and reassembly values equal the constants baked into internal/arp
// and internal/ipv4; TCPTimeWaitLinger (2 minutes) differs from
// internal/tcp's 60-second timeWaitLinger constant. None of the owning
// packages reads these values back.
func DefaultTimers() TimerConfig {
	return TimerConfig{
		ARPRequestTimeout: time.Second,
		ARPEntryIdle:      5 * time.Minute,
		ReassemblyTimeout: 30 * time.Second,
		TCPTimeWaitLinger: 2 * time.Minute,
	}
}

// Config is the live, mutable configuration: interfaces, NAT, and
// timers, atomically persisted to disk and broadcast over Changed on
// every successful update.
type Config struct {
	Interfaces []InterfaceConfig `json:"interfaces"`
	NAT        *NATConfig        `json:"nat,omitempty"`
	Timers     TimerConfig       `json:"timers"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

func New(path string) *Config {
	return &Config{
		path:      path,
		Timers:    DefaultTimers(),
		changedCh: make(chan struct{}, 1),
	}
}

// Load reads the persisted JSON state file at path, the daemon's normal
// restart path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	cfg := New(path)
	if err := cfg.UpdateFromJSON(data); err != nil {
		return nil, fmt.Errorf("error decoding config: %v", err)
	}

	return cfg, nil
}

// LoadYAML reads a static bring-up file in YAML (the format an operator
// hand-writes to describe interfaces/NAT before the daemon has ever
// run) and binds future runtime changes to statePath instead of
// yamlPath: the static file describes day-zero state, the JSON state
// file is where the control API's subsequent updates land, so the two
// never fight over which format owns the file on disk.
func LoadYAML(yamlPath, statePath string) (*Config, error) {
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("error reading yaml config file: %v", err)
	}

	cfg := New(statePath)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error decoding yaml config: %v", err)
	}
	if cfg.Timers == (TimerConfig{}) {
		cfg.Timers = DefaultTimers()
	}
	if err := cfg.saveLocked(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromJSON replaces the whole configuration from a raw JSON
// document, the shape internal/control's update endpoint receives
// straight from the request body.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("error unmarshalling config: %v", err)
	}

	if err := c.saveLocked(); err != nil {
		return err
	}

	c.notifyChanged()

	return nil
}

// Update replaces the interface list, NAT configuration, and timers as
// one unit, skipping the write and notification entirely when nothing
// actually changed (the teacher's no-op-update guard in its own
// Update, generalized from two scalar fields to three structured ones
// via reflect.DeepEqual since slices and pointers aren't == comparable).
func (c *Config) Update(interfaces []InterfaceConfig, nat *NATConfig, timers TimerConfig) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reflect.DeepEqual(c.Interfaces, interfaces) && reflect.DeepEqual(c.NAT, nat) && reflect.DeepEqual(c.Timers, timers) {
		return false, nil
	}

	c.Interfaces = interfaces
	c.NAT = nat
	c.Timers = timers

	if err := c.saveLocked(); err != nil {
		return false, err
	}

	c.notifyChanged()

	return true, nil
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Changed signals once, coalesced, after every successful Update or
// UpdateFromJSON call: internal/stack's scheduler drains it to know
// when to re-read interface/NAT state.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

func (c *Config) InterfacesSnapshot() []InterfaceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]InterfaceConfig, len(c.Interfaces))
	copy(out, c.Interfaces)
	return out
}

func (c *Config) NATSnapshot() *NATConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.NAT == nil {
		return nil
	}
	cp := *c.NAT
	cp.Rules = append([]PortForwardRuleConfig(nil), c.NAT.Rules...)
	return &cp
}

func (c *Config) TimersSnapshot() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// saveLocked assumes c.mu is held (write or read+upgrade).
func (c *Config) saveLocked() error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("error marshalling config: %v", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}
