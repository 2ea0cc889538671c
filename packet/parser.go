// Package packet provides header parsing, transport header location and the
// writable buffer capability used to rewrite IPv4 and IPv6 packets.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Common errors
var (
	ErrPacketTooShort     = errors.New("packet too short")
	ErrInvalidIPVersion   = errors.New("invalid IP version")
	ErrBadHeaderLength    = errors.New("bad IP header length")
	ErrNonInitialFragment = errors.New("non-initial fragment carries no transport header")
	ErrNoTransport        = errors.New("no supported transport header")
	ErrTruncatedTransport = errors.New("transport header truncated")
	ErrOutOfBounds        = errors.New("offset out of bounds")
)

// Protocol constants
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// IPv6 extension header types
const (
	ExtHopByHop uint8 = 0
	ExtRouting  uint8 = 43
	ExtFragment uint8 = 44
	ExtESP      uint8 = 50
	ExtAuth     uint8 = 51
	ExtNoNext   uint8 = 59
	ExtDestOpts uint8 = 60
	ExtMobility uint8 = 135
	ExtHIP      uint8 = 139
	ExtShim6    uint8 = 140
)

// Fixed transport header sizes and checksum field offsets.
const (
	TCPHeaderLen    = 20
	UDPHeaderLen    = 8
	ICMPv6HeaderLen = 8

	TCPChecksumOffset    = 16
	UDPChecksumOffset    = 6
	ICMPv6ChecksumOffset = 2
)

// IP header field offsets.
const (
	IPv4ChecksumOffset = 10
	IPv4DstOffset      = 16
	IPv6DstOffset      = 24
)

// Family is the IP version of a packet.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// AddrLen returns the address size in bytes.
func (f Family) AddrLen() int {
	if f == FamilyIPv6 {
		return 16
	}
	return 4
}

// Matches reports whether addr belongs to the family. IPv4-mapped IPv6
// addresses count as IPv6.
func (f Family) Matches(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Is4()
	case FamilyIPv6:
		return addr.Is6()
	default:
		return false
	}
}

// ParseFamily parses "ipv4"/"inet"/"4" and "ipv6"/"inet6"/"6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ipv4", "inet", "4", "v4":
		return FamilyIPv4, nil
	case "ipv6", "inet6", "6", "v6":
		return FamilyIPv6, nil
	default:
		return 0, fmt.Errorf("unknown address family %q", s)
	}
}

// FamilyOf returns the family from the version nibble of b.
func FamilyOf(b []byte) (Family, error) {
	if len(b) == 0 {
		return 0, ErrPacketTooShort
	}
	switch b[0] >> 4 {
	case 4:
		return FamilyIPv4, nil
	case 6:
		return FamilyIPv6, nil
	default:
		return 0, ErrInvalidIPVersion
	}
}

// Header is a summary of the fixed IP header.
type Header struct {
	Family         Family
	HeaderLen      int    // IPv4 IHL*4, IPv6 fixed 40 bytes
	Codepoint      uint8  // DSCP: top six bits of TOS / traffic class
	Protocol       uint8  // IPv4 protocol or IPv6 next header
	FragmentOffset uint16 // IPv4 only, in 8-byte units
	Src            netip.Addr
	Dst            netip.Addr
}

// DstOffset returns the byte offset of the destination address field.
func (h Header) DstOffset() int {
	if h.Family == FamilyIPv6 {
		return IPv6DstOffset
	}
	return IPv4DstOffset
}

// ParseHeader parses the fixed IP header of b for family f.
func ParseHeader(f Family, b []byte) (Header, error) {
	switch f {
	case FamilyIPv4:
		return parseIPv4(b)
	case FamilyIPv6:
		return parseIPv6(b)
	default:
		return Header{}, ErrInvalidIPVersion
	}
}

func parseIPv4(data []byte) (Header, error) {
	if len(data) < ipv4.HeaderLen {
		return Header{}, ErrPacketTooShort
	}
	if data[0]>>4 != 4 {
		return Header{}, ErrInvalidIPVersion
	}

	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4.HeaderLen {
		return Header{}, ErrBadHeaderLength
	}
	if len(data) < headerLen {
		return Header{}, ErrPacketTooShort
	}

	return Header{
		Family:         FamilyIPv4,
		HeaderLen:      headerLen,
		Codepoint:      data[1] >> 2,
		Protocol:       data[9],
		FragmentOffset: binary.BigEndian.Uint16(data[6:8]) & 0x1FFF,
		Src:            netip.AddrFrom4([4]byte(data[12:16])),
		Dst:            netip.AddrFrom4([4]byte(data[16:20])),
	}, nil
}

func parseIPv6(data []byte) (Header, error) {
	if len(data) < ipv6.HeaderLen {
		return Header{}, ErrPacketTooShort
	}
	if data[0]>>4 != 6 {
		return Header{}, ErrInvalidIPVersion
	}

	// Traffic class straddles the first two bytes.
	tc := data[0]<<4 | data[1]>>4

	return Header{
		Family:    FamilyIPv6,
		HeaderLen: ipv6.HeaderLen,
		Codepoint: tc >> 2,
		Protocol:  data[6],
		Src:       netip.AddrFrom16([16]byte(data[8:24])),
		Dst:       netip.AddrFrom16([16]byte(data[24:40])),
	}, nil
}
