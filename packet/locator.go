package packet

import (
	"encoding/binary"

	"golang.org/x/net/ipv6"
)

// Transport describes where the transport header of a packet starts.
type Transport struct {
	Proto  uint8 // Protocol number, or the header type the walk stopped at
	Offset int   // Byte offset from the start of the IP header
	Length int   // Bytes available from Offset to the end of the buffer
}

// ChecksumOffset returns the offset of the checksum field relative to the
// start of the packet, or -1 for a protocol without a pseudo-header checksum.
func (t Transport) ChecksumOffset() int {
	switch t.Proto {
	case ProtocolTCP:
		return t.Offset + TCPChecksumOffset
	case ProtocolUDP:
		return t.Offset + UDPChecksumOffset
	case ProtocolICMPv6:
		return t.Offset + ICMPv6ChecksumOffset
	default:
		return -1
	}
}

// IsSupportedTransport reports whether proto carries a checksum covering the
// IP pseudo-header for family f.
func IsSupportedTransport(f Family, proto uint8) bool {
	switch proto {
	case ProtocolTCP, ProtocolUDP:
		return true
	case ProtocolICMPv6:
		return f == FamilyIPv6
	default:
		return false
	}
}

func minTransportLen(proto uint8) int {
	switch proto {
	case ProtocolTCP:
		return TCPHeaderLen
	case ProtocolUDP:
		return UDPHeaderLen
	case ProtocolICMPv6:
		return ICMPv6HeaderLen
	default:
		return 0
	}
}

// LocateTransport finds the transport header of b. For IPv6 the extension
// header chain is walked until a TCP, UDP or ICMPv6 header is reached.
//
// The returned Transport is filled in as far as the walk got even when an
// error is returned:
//   - ErrNonInitialFragment: the packet is a non-initial fragment
//   - ErrNoTransport: the chain ended in an unsupported or unknown type, or
//     the buffer ended before a transport header was reached
//   - ErrTruncatedTransport: a supported transport header starts in the
//     buffer but its fixed part does not fit
func LocateTransport(b []byte, f Family) (Transport, error) {
	h, err := ParseHeader(f, b)
	if err != nil {
		return Transport{}, err
	}

	if f == FamilyIPv4 {
		tr := Transport{Proto: h.Protocol, Offset: h.HeaderLen, Length: len(b) - h.HeaderLen}
		if h.FragmentOffset != 0 {
			return tr, ErrNonInitialFragment
		}
		return checkTransport(f, tr)
	}

	nextHeader := h.Protocol
	offset := ipv6.HeaderLen
	for {
		tr := Transport{Proto: nextHeader, Offset: offset, Length: len(b) - offset}

		var extLen int
		switch nextHeader {
		case ProtocolTCP, ProtocolUDP, ProtocolICMPv6:
			return checkTransport(f, tr)

		case ExtHopByHop, ExtRouting, ExtDestOpts, ExtMobility, ExtHIP, ExtShim6:
			if len(b) < offset+2 {
				return tr, ErrNoTransport
			}
			extLen = (int(b[offset+1]) + 1) * 8

		case ExtAuth:
			if len(b) < offset+2 {
				return tr, ErrNoTransport
			}
			extLen = (int(b[offset+1]) + 2) * 4

		case ExtFragment:
			if len(b) < offset+8 {
				return tr, ErrNoTransport
			}
			// Offset occupies the top 13 bits; the low three are flags.
			if binary.BigEndian.Uint16(b[offset+2:offset+4])&^0x7 != 0 {
				return tr, ErrNonInitialFragment
			}
			extLen = 8

		default:
			// ESP, no-next-header and anything unknown end the walk.
			return tr, ErrNoTransport
		}

		nextHeader = b[offset]
		offset += extLen
		if offset > len(b) {
			return Transport{Proto: nextHeader, Offset: offset}, ErrNoTransport
		}
	}
}

func checkTransport(f Family, tr Transport) (Transport, error) {
	if !IsSupportedTransport(f, tr.Proto) {
		return tr, ErrNoTransport
	}
	if tr.Length < minTransportLen(tr.Proto) {
		return tr, ErrTruncatedTransport
	}
	return tr, nil
}
