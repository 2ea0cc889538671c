package rewrite

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/igjeong/daddr/checksum"
	"github.com/igjeong/daddr/packet"
)

// Verdict is the outcome handed back to the hook.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Stats holds engine counters.
type Stats struct {
	Processed        uint64 `json:"processed"`
	Rewritten        uint64 `json:"rewritten"`
	Unchanged        uint64 `json:"unchanged"`
	TransportSkipped uint64 `json:"transport_skipped"`
	Dropped          uint64 `json:"dropped"`
}

// Engine rewrites packet destinations chosen by its Selector.
type Engine struct {
	selector Selector
	enabled  atomic.Bool
	logger   *logrus.Entry
	verbose  bool

	// Statistics
	packetsProcessed uint64
	packetsRewritten uint64
	packetsUnchanged uint64
	transportSkipped uint64
	packetsDropped   uint64
}

// EngineOption is a functional option for Engine configuration.
type EngineOption func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Entry) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithVerbose enables per-packet debug logging.
func WithVerbose(verbose bool) EngineOption {
	return func(e *Engine) {
		e.verbose = verbose
	}
}

// NewEngine creates an enabled engine using sel.
func NewEngine(sel Selector, opts ...EngineOption) *Engine {
	e := &Engine{selector: sel}
	e.enabled.Store(true)

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logrus.WithField("component", "engine")
	}

	return e
}

// Selector returns the engine's selector.
func (e *Engine) Selector() Selector {
	return e.selector
}

// Enable turns rewriting on.
func (e *Engine) Enable() {
	if !e.enabled.Swap(true) {
		e.logger.Info("Rewriting enabled")
	}
}

// Disable turns rewriting off; packets pass untouched.
func (e *Engine) Disable() {
	if e.enabled.Swap(false) {
		e.logger.Info("Rewriting disabled")
	}
}

// Enabled reports whether rewriting is on.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// HasActiveConfiguration reports whether unregistering the hook is unsafe.
func (e *Engine) HasActiveConfiguration() bool {
	return e.Selector().Active()
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:        atomic.LoadUint64(&e.packetsProcessed),
		Rewritten:        atomic.LoadUint64(&e.packetsRewritten),
		Unchanged:        atomic.LoadUint64(&e.packetsUnchanged),
		TransportSkipped: atomic.LoadUint64(&e.transportSkipped),
		Dropped:          atomic.LoadUint64(&e.packetsDropped),
	}
}

// Process rewrites the destination of h if the selector asks for it.
//
// The buffer is untouched unless a different address is selected. Every
// field that will be written is read and bounds-checked before the first
// write, so a malformed or truncated packet is dropped unmodified.
func (e *Engine) Process(h packet.Handle) Verdict {
	atomic.AddUint64(&e.packetsProcessed, 1)

	if !e.enabled.Load() {
		atomic.AddUint64(&e.packetsUnchanged, 1)
		return VerdictContinue
	}

	f := h.Family()
	hdr, err := packet.ParseHeader(f, h.Bytes())
	if err != nil {
		if e.verbose {
			e.logger.WithError(err).Debug("Unparseable packet passed through")
		}
		atomic.AddUint64(&e.packetsUnchanged, 1)
		return VerdictContinue
	}

	newAddr, ok := e.Selector().Select(hdr)
	if !ok || newAddr == hdr.Dst {
		atomic.AddUint64(&e.packetsUnchanged, 1)
		return VerdictContinue
	}

	w, err := h.MakeWritable(len(h.Bytes()))
	if err != nil {
		e.logger.WithError(err).WithField("dst", hdr.Dst).Warn("Packet dropped: buffer not writable")
		atomic.AddUint64(&e.packetsDropped, 1)
		return VerdictDrop
	}

	v, err := e.rewrite(w, hdr, newAddr, h.ChecksumOffloaded())
	if err != nil {
		if v == VerdictDrop {
			atomic.AddUint64(&e.packetsDropped, 1)
		} else {
			atomic.AddUint64(&e.packetsUnchanged, 1)
		}
		if e.verbose {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"dst":     hdr.Dst,
				"verdict": v,
			}).Debug("Packet not rewritten")
		}
		return v
	}

	atomic.AddUint64(&e.packetsRewritten, 1)
	return VerdictContinue
}

// rewrite performs the field write and checksum repair on a writable view.
// Offsets are recomputed from w since MakeWritable may have moved the data.
func (e *Engine) rewrite(w packet.Writable, hdr packet.Header, newAddr netip.Addr, offloaded bool) (Verdict, error) {
	f := hdr.Family
	data, err := w.Slice(0, w.Len())
	if err != nil {
		return VerdictDrop, err
	}

	tr, terr := packet.LocateTransport(data, f)
	switch {
	case terr == nil:
	case errors.Is(terr, packet.ErrNonInitialFragment), errors.Is(terr, packet.ErrNoTransport):
		// IP-only rewrite.
	case errors.Is(terr, packet.ErrTruncatedTransport):
		return VerdictDrop, terr
	default:
		return VerdictContinue, terr
	}

	field, err := w.Slice(hdr.DstOffset(), f.AddrLen())
	if err != nil {
		return VerdictDrop, err
	}
	var ipCheck uint16
	if f == packet.FamilyIPv4 {
		if ipCheck, err = w.ReadU16(packet.IPv4ChecksumOffset); err != nil {
			return VerdictDrop, err
		}
	}
	var check uint16
	if terr == nil {
		if check, err = w.ReadU16(tr.ChecksumOffset()); err != nil {
			return VerdictDrop, err
		}
	}

	// Capture the old address before the single write.
	var oldBytes, newBytes [16]byte
	n := copy(oldBytes[:], field)
	if f == packet.FamilyIPv4 {
		a4 := newAddr.As4()
		copy(newBytes[:], a4[:])
	} else {
		newBytes = newAddr.As16()
	}
	if err := w.WriteBytes(hdr.DstOffset(), newBytes[:n]); err != nil {
		return VerdictDrop, err
	}

	if f == packet.FamilyIPv4 {
		ipCheck = checksum.Replace32(ipCheck, binary.BigEndian.Uint32(oldBytes[:4]), binary.BigEndian.Uint32(newBytes[:4]))
		if err := w.WriteU16(packet.IPv4ChecksumOffset, ipCheck); err != nil {
			return VerdictDrop, err
		}
	}

	if terr != nil {
		atomic.AddUint64(&e.transportSkipped, 1)
		e.logPacket(hdr, newAddr, tr.Proto, "ip-only")
		return VerdictContinue, nil
	}

	if tr.Proto == packet.ProtocolUDP && check == 0 && !offloaded {
		atomic.AddUint64(&e.transportSkipped, 1)
		e.logPacket(hdr, newAddr, tr.Proto, "udp-no-checksum")
		return VerdictContinue, nil
	}

	check = repairTransport(check, f, oldBytes, newBytes, offloaded)
	if tr.Proto == packet.ProtocolUDP && !offloaded {
		check = checksum.NonZeroUDP(check)
	}
	if err := w.WriteU16(tr.ChecksumOffset(), check); err != nil {
		return VerdictDrop, err
	}

	e.logPacket(hdr, newAddr, tr.Proto, "full")
	return VerdictContinue, nil
}

func repairTransport(check uint16, f packet.Family, oldBytes, newBytes [16]byte, offloaded bool) uint16 {
	if f == packet.FamilyIPv4 {
		o := binary.BigEndian.Uint32(oldBytes[:4])
		n := binary.BigEndian.Uint32(newBytes[:4])
		if offloaded {
			return checksum.ReplaceSeed32(check, o, n)
		}
		return checksum.Replace32(check, o, n)
	}

	o, n := checksum.Words128(oldBytes), checksum.Words128(newBytes)
	if offloaded {
		return checksum.ReplaceSeed128(check, o, n)
	}
	return checksum.Replace128(check, o, n)
}

func (e *Engine) logPacket(hdr packet.Header, newAddr netip.Addr, proto uint8, repair string) {
	if !e.verbose {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"proto":  protoName(proto),
		"src":    hdr.Src,
		"dst":    hdr.Dst,
		"new":    newAddr,
		"dscp":   hdr.Codepoint,
		"repair": repair,
	}).Debug("Destination rewritten")
}

func protoName(proto uint8) string {
	switch proto {
	case packet.ProtocolTCP:
		return "TCP"
	case packet.ProtocolUDP:
		return "UDP"
	case packet.ProtocolICMP:
		return "ICMP"
	case packet.ProtocolICMPv6:
		return "ICMPv6"
	default:
		return "other"
	}
}
