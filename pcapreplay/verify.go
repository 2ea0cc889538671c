package pcapreplay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/igjeong/daddr/checksum"
	"github.com/igjeong/daddr/packet"
)

var (
	ErrBadIPChecksum        = errors.New("ipv4 header checksum mismatch")
	ErrBadTransportChecksum = errors.New("transport checksum mismatch")
)

// VerifyChecksums recomputes every checksum of an IP packet from scratch.
// Packets whose transport header cannot be located are checked at the IP
// layer only.
func VerifyChecksums(b []byte) error {
	f, err := packet.FamilyOf(b)
	if err != nil {
		return err
	}

	var src, dst []byte
	var upperEnd int
	switch f {
	case packet.FamilyIPv4:
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return fmt.Errorf("%w: %v", packet.ErrPacketTooShort, err)
		}
		if checksum.Checksum(b[:h.Len], 0) != 0 {
			return ErrBadIPChecksum
		}
		src, dst = h.Src.To4(), h.Dst.To4()
		// Total length is read from the wire; ipv4.Header adjusts it on
		// some platforms for raw sockets.
		upperEnd = int(binary.BigEndian.Uint16(b[2:4]))
	default:
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return fmt.Errorf("%w: %v", packet.ErrPacketTooShort, err)
		}
		src, dst = h.Src.To16(), h.Dst.To16()
		upperEnd = ipv6.HeaderLen + h.PayloadLen
	}
	if upperEnd > len(b) {
		return packet.ErrPacketTooShort
	}

	tr, err := packet.LocateTransport(b, f)
	if err != nil {
		if errors.Is(err, packet.ErrTruncatedTransport) {
			return err
		}
		return nil
	}
	if upperEnd-tr.Offset < 8 {
		return packet.ErrTruncatedTransport
	}

	seg := b[tr.Offset:upperEnd]
	if tr.Proto == packet.ProtocolUDP && f == packet.FamilyIPv4 &&
		binary.BigEndian.Uint16(seg[6:8]) == 0 {
		return nil
	}

	initial := checksum.PseudoHeaderSum(src, dst, tr.Proto, len(seg))
	if checksum.Checksum(seg, initial) != 0 {
		return fmt.Errorf("%w: protocol %d", ErrBadTransportChecksum, tr.Proto)
	}
	return nil
}
