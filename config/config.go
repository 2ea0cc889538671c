// Package config handles parsing and validation of daddr configuration files.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/igjeong/daddr/ipc"
	"github.com/igjeong/daddr/packet"
	"github.com/igjeong/daddr/rewrite"
)

// maxSocketPath is the usable length of sun_path on Linux.
const maxSocketPath = 107

// QueueConfig selects the NFQUEUE the daemon binds to.
type QueueConfig struct {
	Num          uint16 `yaml:"num"`
	MaxLen       uint32 `yaml:"max_len"`
	MaxPacketLen uint32 `yaml:"max_packet_len"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config holds the complete configuration for daddr.
type Config struct {
	Mode      rewrite.Mode       `yaml:"-"`
	ModeStr   string             `yaml:"mode"`
	Family    packet.Family      `yaml:"-"`
	FamilyStr string             `yaml:"family"`
	Enabled   *bool              `yaml:"enabled"`
	Target    netip.Addr         `yaml:"-"`
	TargetStr string             `yaml:"target,omitempty"` // direct mode only
	Table     map[int]netip.Addr `yaml:"-"`
	TableStr  map[int]string     `yaml:"table,omitempty"` // codepoint mode only
	Queue     QueueConfig        `yaml:"queue"`
	Socket    string             `yaml:"socket"`
	Log       LogConfig          `yaml:"log"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	enabled := true
	return &Config{
		Mode:      rewrite.ModeDirect,
		ModeStr:   string(rewrite.ModeDirect),
		Family:    packet.FamilyIPv4,
		FamilyStr: packet.FamilyIPv4.String(),
		Enabled:   &enabled,
		Table:     map[int]netip.Addr{},
		Queue: QueueConfig{
			MaxLen:       4096,
			MaxPacketLen: 0xFFFF,
		},
		Socket: ipc.DefaultSocket,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	mode, err := rewrite.ParseMode(cfg.ModeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid mode: %w", err)
	}
	cfg.Mode = mode

	family, err := packet.ParseFamily(cfg.FamilyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid family: %w", err)
	}
	cfg.Family = family

	if cfg.TargetStr != "" {
		addr, err := rewrite.ParseAddress(cfg.Family, cfg.TargetStr)
		if err != nil {
			return nil, fmt.Errorf("invalid target: %w", err)
		}
		cfg.Target = addr
	}

	cfg.Table = make(map[int]netip.Addr, len(cfg.TableStr))
	for idx, s := range cfg.TableStr {
		if idx < 0 || idx >= rewrite.TableSize {
			return nil, fmt.Errorf("table entry %d: %w", idx, rewrite.ErrIndexOutOfRange)
		}
		addr, err := rewrite.ParseAddress(cfg.Family, s)
		if err != nil {
			return nil, fmt.Errorf("table entry %d: %w", idx, err)
		}
		if addr.IsUnspecified() {
			continue
		}
		if idx == 0 {
			return nil, fmt.Errorf("table entry 0: %w", rewrite.ErrReservedCodepoint)
		}
		cfg.Table[idx] = addr
	}

	return cfg, nil
}

// Validate performs additional validation on the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case rewrite.ModeDirect:
		if !c.Target.IsValid() {
			return fmt.Errorf("direct mode requires target")
		}
		if c.Target.IsUnspecified() {
			return fmt.Errorf("target must not be the unspecified address")
		}
		if len(c.Table) > 0 {
			return fmt.Errorf("table is only valid in codepoint mode")
		}
	case rewrite.ModeCodepoint:
		if c.Target.IsValid() {
			return fmt.Errorf("target is only valid in direct mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Queue.MaxPacketLen == 0 || c.Queue.MaxPacketLen > 0xFFFF {
		return fmt.Errorf("queue.max_packet_len must be between 1 and 65535")
	}
	if c.Socket == "" || len(c.Socket) > maxSocketPath {
		return fmt.Errorf("socket path must be 1 to %d bytes", maxSocketPath)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (must be 'text' or 'json')", c.Log.Format)
	}

	return nil
}

// IsEnabled reports the configured global knob, defaulting to true.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetTarget switches the configuration to direct mode with the given address.
func (c *Config) SetTarget(s string) error {
	addr, err := rewrite.ParseAddress(c.Family, s)
	if err != nil {
		return err
	}
	c.Mode = rewrite.ModeDirect
	c.ModeStr = string(rewrite.ModeDirect)
	c.Target = addr
	c.TargetStr = addr.String()
	c.Table = map[int]netip.Addr{}
	c.TableStr = nil
	return nil
}

// BuildSelector constructs the selector described by the configuration.
func (c *Config) BuildSelector() (rewrite.Selector, error) {
	switch c.Mode {
	case rewrite.ModeDirect:
		return rewrite.NewDirectTarget(c.Family, c.Target)
	case rewrite.ModeCodepoint:
		t := rewrite.NewCodepointTable(c.Family)
		if err := t.Replace(c.Table); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", c.Mode)
	}
}

// ApplyTo hot-applies the rewrite rules and the enabled flag to a running
// engine. A change of mode or family requires a restart.
func (c *Config) ApplyTo(e *rewrite.Engine) error {
	sel := e.Selector()
	if sel.Mode() != c.Mode {
		return fmt.Errorf("mode changed from %s to %s; restart required", sel.Mode(), c.Mode)
	}
	if sel.Family() != c.Family {
		return fmt.Errorf("family changed from %s to %s; restart required", sel.Family(), c.Family)
	}

	switch s := sel.(type) {
	case *rewrite.DirectTarget:
		if err := s.SetTarget(c.Target); err != nil {
			return err
		}
	case *rewrite.CodepointTable:
		if err := s.Replace(c.Table); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported selector %T", sel)
	}

	if c.IsEnabled() {
		e.Enable()
	} else {
		e.Disable()
	}
	return nil
}

// Describe renders the rules one per line, the way a rule listing shows them.
func (c *Config) Describe() []string {
	if c.Mode == rewrite.ModeDirect {
		return []string{"DADDR set " + c.Target.String()}
	}
	idx := make([]int, 0, len(c.Table))
	for i := range c.Table {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	lines := make([]string, 0, len(idx))
	for _, i := range idx {
		lines = append(lines, fmt.Sprintf("%d: %s", i, c.Table[i]))
	}
	return lines
}
