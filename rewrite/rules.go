// Package rewrite decides the replacement destination address of a packet
// and applies it with incremental checksum repair.
package rewrite

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/igjeong/daddr/packet"
)

// TableSize is the number of codepoint slots, one per 6-bit DSCP value.
const TableSize = 64

// Configuration errors
var (
	ErrIndexOutOfRange   = errors.New("codepoint index out of range")
	ErrFamilyMismatch    = errors.New("address family mismatch")
	ErrBadAddress        = errors.New("bad address")
	ErrReservedCodepoint = errors.New("codepoint 0 is reserved")
)

// ConfigError describes a rejected configuration change.
type ConfigError struct {
	Op    string
	Index int // -1 when not a table operation
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Index >= 0 {
		fmt.Fprintf(&b, " [%d]", e.Index)
	}
	if e.Value != "" {
		fmt.Fprintf(&b, " %q", e.Value)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Mode selects how the replacement address is chosen.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeCodepoint Mode = "codepoint"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDirect, "target":
		return ModeDirect, nil
	case ModeCodepoint, "dscp", "table":
		return ModeCodepoint, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Selector chooses the replacement destination for a packet.
type Selector interface {
	// Select returns the replacement address, or false for no change.
	Select(h packet.Header) (netip.Addr, bool)
	// Active reports whether the selector holds configuration that makes
	// tearing down the hook unsafe.
	Active() bool
	Mode() Mode
	Family() packet.Family
}

// ParseAddress parses a dotted-quad or colon-hex literal for family f.
func ParseAddress(f packet.Family, s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, &ConfigError{Op: "parse", Index: -1, Value: s, Err: ErrBadAddress}
	}
	addr, err = normalize(f, addr)
	if err != nil {
		return netip.Addr{}, &ConfigError{Op: "parse", Index: -1, Value: s, Err: err}
	}
	return addr, nil
}

func normalize(f packet.Family, addr netip.Addr) (netip.Addr, error) {
	if !addr.IsValid() || addr.Zone() != "" {
		return netip.Addr{}, ErrBadAddress
	}
	if f == packet.FamilyIPv4 {
		addr = addr.Unmap()
	}
	if !f.Matches(addr) {
		return netip.Addr{}, ErrFamilyMismatch
	}
	return addr, nil
}

// DirectTarget rewrites every packet of its family to one address.
type DirectTarget struct {
	family packet.Family
	target atomic.Pointer[netip.Addr]
}

// NewDirectTarget creates a direct selector for family f.
func NewDirectTarget(f packet.Family, addr netip.Addr) (*DirectTarget, error) {
	d := &DirectTarget{family: f}
	if err := d.SetTarget(addr); err != nil {
		return nil, err
	}
	return d, nil
}

// SetTarget atomically replaces the configured address.
func (d *DirectTarget) SetTarget(addr netip.Addr) error {
	a, err := normalize(d.family, addr)
	if err == nil && a.IsUnspecified() {
		err = ErrBadAddress
	}
	if err != nil {
		return &ConfigError{Op: "set-target", Index: -1, Value: addrString(addr), Err: err}
	}
	d.target.Store(&a)
	return nil
}

// Target returns the configured address.
func (d *DirectTarget) Target() (netip.Addr, bool) {
	if p := d.target.Load(); p != nil {
		return *p, true
	}
	return netip.Addr{}, false
}

func (d *DirectTarget) Select(h packet.Header) (netip.Addr, bool) {
	if h.Family != d.family {
		return netip.Addr{}, false
	}
	return d.Target()
}

// Active is always false: a direct rule carries no state that outlives the
// hook.
func (d *DirectTarget) Active() bool { return false }

func (d *DirectTarget) Mode() Mode            { return ModeDirect }
func (d *DirectTarget) Family() packet.Family { return d.family }

// Rule renders the target the way a rule listing prints it.
func (d *DirectTarget) Rule() string {
	addr, _ := d.Target()
	return "DADDR set " + addr.String()
}

// Save renders the target as a reloadable option.
func (d *DirectTarget) Save() string {
	addr, _ := d.Target()
	return "--set-daddr " + addr.String()
}

// CodepointTable maps DSCP codepoints to replacement addresses. Each slot is
// replaced atomically; readers see either the old or the new entry.
type CodepointTable struct {
	family packet.Family
	slots  [TableSize]atomic.Pointer[netip.Addr]
}

// NewCodepointTable creates an empty table for family f.
func NewCodepointTable(f packet.Family) *CodepointTable {
	return &CodepointTable{family: f}
}

func checkIndex(op string, i int, value string) error {
	if i < 0 || i >= TableSize {
		return &ConfigError{Op: op, Index: i, Value: value, Err: ErrIndexOutOfRange}
	}
	return nil
}

// SetEntry stores addr in slot i. An unspecified or zero address clears the
// slot. Slot 0 only accepts a clear.
func (t *CodepointTable) SetEntry(i int, addr netip.Addr) error {
	if err := checkIndex("set-entry", i, addrString(addr)); err != nil {
		return err
	}
	if !addr.IsValid() || addr.Unmap().IsUnspecified() {
		t.slots[i].Store(nil)
		return nil
	}
	if i == 0 {
		return &ConfigError{Op: "set-entry", Index: i, Value: addr.String(), Err: ErrReservedCodepoint}
	}
	a, err := normalize(t.family, addr)
	if err != nil {
		return &ConfigError{Op: "set-entry", Index: i, Value: addr.String(), Err: err}
	}
	t.slots[i].Store(&a)
	return nil
}

// ClearEntry empties slot i.
func (t *CodepointTable) ClearEntry(i int) error {
	if err := checkIndex("clear-entry", i, ""); err != nil {
		return err
	}
	t.slots[i].Store(nil)
	return nil
}

// Entry returns the address in slot i.
func (t *CodepointTable) Entry(i int) (netip.Addr, bool) {
	if i < 0 || i >= TableSize {
		return netip.Addr{}, false
	}
	if p := t.slots[i].Load(); p != nil {
		return *p, true
	}
	return netip.Addr{}, false
}

// Entries returns a snapshot of the occupied slots.
func (t *CodepointTable) Entries() map[int]netip.Addr {
	out := make(map[int]netip.Addr)
	for i := range t.slots {
		if p := t.slots[i].Load(); p != nil {
			out[i] = *p
		}
	}
	return out
}

// Replace validates entries and then stores them slot by slot, clearing
// every slot not listed. Nothing is stored when validation fails.
func (t *CodepointTable) Replace(entries map[int]netip.Addr) error {
	var next [TableSize]*netip.Addr
	for i, addr := range entries {
		if err := checkIndex("set-entry", i, addrString(addr)); err != nil {
			return err
		}
		if !addr.IsValid() || addr.Unmap().IsUnspecified() {
			continue
		}
		if i == 0 {
			return &ConfigError{Op: "set-entry", Index: i, Value: addr.String(), Err: ErrReservedCodepoint}
		}
		a, err := normalize(t.family, addr)
		if err != nil {
			return &ConfigError{Op: "set-entry", Index: i, Value: addr.String(), Err: err}
		}
		next[i] = &a
	}
	for i := range t.slots {
		t.slots[i].Store(next[i])
	}
	return nil
}

func (t *CodepointTable) Select(h packet.Header) (netip.Addr, bool) {
	if h.Family != t.family || h.Codepoint == 0 {
		return netip.Addr{}, false
	}
	return t.Entry(int(h.Codepoint))
}

// Active reports whether any slot is occupied.
func (t *CodepointTable) Active() bool {
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			return true
		}
	}
	return false
}

func (t *CodepointTable) Mode() Mode            { return ModeCodepoint }
func (t *CodepointTable) Family() packet.Family { return t.family }

// Rules renders the occupied slots in index order, one per line.
func (t *CodepointTable) Rules() []string {
	entries := t.Entries()
	idx := make([]int, 0, len(entries))
	for i := range entries {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	lines := make([]string, 0, len(idx))
	for _, i := range idx {
		lines = append(lines, fmt.Sprintf("%d: %s", i, entries[i]))
	}
	return lines
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}
