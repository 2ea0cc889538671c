package config

import (
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/igjeong/daddr/ipc"
	"github.com/igjeong/daddr/packet"
	"github.com/igjeong/daddr/rewrite"
)

func TestParseDirect(t *testing.T) {
	yamlData := []byte(`
mode: direct
family: ipv4
target: 10.0.0.1
`)

	cfg, err := Parse(yamlData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Mode != rewrite.ModeDirect {
		t.Errorf("Mode = %q, want %q", cfg.Mode, rewrite.ModeDirect)
	}
	if cfg.Family != packet.FamilyIPv4 {
		t.Errorf("Family = %v, want ipv4", cfg.Family)
	}
	if cfg.Target != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("Target = %v, want 10.0.0.1", cfg.Target)
	}
	if !cfg.IsEnabled() {
		t.Error("Enabled should default to true")
	}
	if cfg.Socket != ipc.DefaultSocket {
		t.Errorf("Socket = %q, want %q", cfg.Socket, ipc.DefaultSocket)
	}
	if cfg.Queue.MaxPacketLen != 0xFFFF {
		t.Errorf("Queue.MaxPacketLen = %d, want 65535", cfg.Queue.MaxPacketLen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestParseCodepoint(t *testing.T) {
	yamlData := []byte(`
mode: codepoint
family: ipv6
enabled: false
table:
  12: fd00::1
  46: "2001:db8::46"
  10: "::"
queue:
  num: 3
log:
  level: debug
  format: json
`)

	cfg, err := Parse(yamlData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Mode != rewrite.ModeCodepoint {
		t.Errorf("Mode = %q, want codepoint", cfg.Mode)
	}
	if cfg.IsEnabled() {
		t.Error("Enabled should be false")
	}
	if len(cfg.Table) != 2 {
		t.Fatalf("Table size = %d, want 2 (unspecified entries dropped)", len(cfg.Table))
	}
	if cfg.Table[12] != netip.MustParseAddr("fd00::1") {
		t.Errorf("Table[12] = %v, want fd00::1", cfg.Table[12])
	}
	if cfg.Queue.Num != 3 {
		t.Errorf("Queue.Num = %d, want 3", cfg.Queue.Num)
	}
	if cfg.Queue.MaxLen != 4096 {
		t.Errorf("Queue.MaxLen = %d, want default 4096", cfg.Queue.MaxLen)
	}
	if cfg.Log.MaxBackups != 3 {
		t.Errorf("Log.MaxBackups = %d, want default 3", cfg.Log.MaxBackups)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	lines := cfg.Describe()
	if len(lines) != 2 || lines[0] != "12: fd00::1" || lines[1] != "46: 2001:db8::46" {
		t.Errorf("Describe = %v", lines)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{"bad yaml", "mode: [", nil},
		{"bad mode", "mode: nat\ntarget: 10.0.0.1", nil},
		{"bad family", "family: ipx\ntarget: 10.0.0.1", nil},
		{"bad target", "target: invalid-ip", rewrite.ErrBadAddress},
		{"family mismatch", "family: ipv6\ntarget: 10.0.0.1", rewrite.ErrFamilyMismatch},
		{"index out of range", "mode: codepoint\ntable:\n  64: 10.0.0.1", rewrite.ErrIndexOutOfRange},
		{"reserved codepoint", "mode: codepoint\ntable:\n  0: 10.0.0.1", rewrite.ErrReservedCodepoint},
		{"table family", "mode: codepoint\nfamily: ipv4\ntable:\n  5: fd00::5", rewrite.ErrFamilyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		valid bool
	}{
		{"direct ok", "target: 10.0.0.1", true},
		{"direct missing target", "mode: direct", false},
		{"direct unspecified target", "target: 0.0.0.0", false},
		{"direct with table", "target: 10.0.0.1\ntable:\n  4: 10.0.0.4", false},
		{"codepoint empty table", "mode: codepoint", true},
		{"codepoint with target", "mode: codepoint\ntarget: 10.0.0.1", false},
		{"empty socket", "target: 10.0.0.1\nsocket: \"\"", false},
		{"socket path too long", "target: 10.0.0.1\nsocket: /" + strings.Repeat("s", 120), false},
		{"bad log level", "target: 10.0.0.1\nlog:\n  level: loud", false},
		{"bad log format", "target: 10.0.0.1\nlog:\n  format: xml", false},
		{"packet len too large", "target: 10.0.0.1\nqueue:\n  max_packet_len: 70000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			err = cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSetTarget(t *testing.T) {
	cfg, err := Parse([]byte("mode: codepoint\ntable:\n  8: 10.0.0.8"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if err := cfg.SetTarget("192.0.2.1"); err != nil {
		t.Fatalf("SetTarget failed: %v", err)
	}
	if cfg.Mode != rewrite.ModeDirect || len(cfg.Table) != 0 {
		t.Errorf("SetTarget must switch to direct mode, got %q with %d entries", cfg.Mode, len(cfg.Table))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	if err := cfg.SetTarget("fd00::1"); !errors.Is(err, rewrite.ErrFamilyMismatch) {
		t.Errorf("expected ErrFamilyMismatch, got %v", err)
	}
}

func TestBuildSelector(t *testing.T) {
	cfg, _ := Parse([]byte("mode: codepoint\ntable:\n  12: 10.0.0.12"))
	sel, err := cfg.BuildSelector()
	if err != nil {
		t.Fatalf("BuildSelector failed: %v", err)
	}
	table, ok := sel.(*rewrite.CodepointTable)
	if !ok {
		t.Fatalf("expected *rewrite.CodepointTable, got %T", sel)
	}
	if addr, ok := table.Entry(12); !ok || addr != netip.MustParseAddr("10.0.0.12") {
		t.Errorf("Entry(12) = %v, %v", addr, ok)
	}

	cfg, _ = Parse([]byte("target: 10.0.0.1"))
	sel, err = cfg.BuildSelector()
	if err != nil {
		t.Fatalf("BuildSelector failed: %v", err)
	}
	if sel.Mode() != rewrite.ModeDirect {
		t.Errorf("Mode = %q, want direct", sel.Mode())
	}
}

func testEngine(t *testing.T, cfg *Config) *rewrite.Engine {
	t.Helper()
	sel, err := cfg.BuildSelector()
	if err != nil {
		t.Fatalf("BuildSelector failed: %v", err)
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return rewrite.NewEngine(sel, rewrite.WithLogger(logrus.NewEntry(l)))
}

func TestApplyTo(t *testing.T) {
	cfg, _ := Parse([]byte("mode: codepoint\ntable:\n  12: 10.0.0.12"))
	e := testEngine(t, cfg)

	next, _ := Parse([]byte("mode: codepoint\nenabled: false\ntable:\n  20: 10.0.0.20"))
	if err := next.ApplyTo(e); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}

	table := e.Selector().(*rewrite.CodepointTable)
	if _, ok := table.Entry(12); ok {
		t.Error("slot 12 should be cleared")
	}
	if addr, ok := table.Entry(20); !ok || addr != netip.MustParseAddr("10.0.0.20") {
		t.Errorf("Entry(20) = %v, %v", addr, ok)
	}
	if e.Enabled() {
		t.Error("engine should be disabled")
	}

	direct, _ := Parse([]byte("target: 10.0.0.1"))
	if err := direct.ApplyTo(e); err == nil {
		t.Error("mode change must require restart")
	}

	v6, _ := Parse([]byte("mode: codepoint\nfamily: ipv6"))
	if err := v6.ApplyTo(e); err == nil {
		t.Error("family change must require restart")
	}
}

func TestApplyToDirect(t *testing.T) {
	cfg, _ := Parse([]byte("target: 10.0.0.1"))
	e := testEngine(t, cfg)

	next, _ := Parse([]byte("target: 10.0.0.2"))
	if err := next.ApplyTo(e); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}
	addr, _ := e.Selector().(*rewrite.DirectTarget).Target()
	if addr != netip.MustParseAddr("10.0.0.2") {
		t.Errorf("Target = %v, want 10.0.0.2", addr)
	}
}
