// Package checksum implements the one's-complement arithmetic used by the IP,
// TCP, UDP and ICMPv6 checksums (RFC 1071) and its incremental update form
// (RFC 1624).
package checksum

import "encoding/binary"

// UDPMangledZero is written instead of a computed UDP checksum of zero, since
// a literal zero on the wire means "no checksum".
const UDPMangledZero uint16 = 0xFFFF

// Fold adds the carries of a partial sum back into its low 16 bits.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return uint16(sum)
}

// FoldComplement folds a partial sum and returns its complement, which is the
// value stored in a checksum field.
func FoldComplement(sum uint32) uint16 {
	return ^Fold(sum)
}

// Sum returns the one's-complement partial sum of b added to initial. A
// trailing odd byte is padded with zero on the right.
func Sum(b []byte, initial uint32) uint32 {
	acc := uint64(initial)
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint64(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		acc += uint64(b[n-1]) << 8
	}
	for acc>>32 != 0 {
		acc = acc&0xFFFFFFFF + acc>>32
	}
	return uint32(Fold(uint32(acc)))
}

// Checksum computes the RFC 1071 checksum of b starting from initial.
func Checksum(b []byte, initial uint32) uint16 {
	return FoldComplement(Sum(b, initial))
}

// PseudoHeaderSum returns the partial sum of the TCP/UDP/ICMPv6 pseudo-header
// for the given addresses (4 or 16 bytes each), protocol and upper-layer
// length.
func PseudoHeaderSum(src, dst []byte, proto uint8, length int) uint32 {
	sum := Sum(src, 0)
	sum = Sum(dst, sum)
	sum += uint32(proto)
	sum += uint32(length>>16) + uint32(length&0xFFFF)
	return uint32(Fold(sum))
}

// Replace32 updates checksum check for a 32-bit field, such as an IPv4
// address, changing from old to new (RFC 1624, eqn. 3:
// HC' = ~(~HC + ~m + m')).
func Replace32(check uint16, old, new uint32) uint16 {
	if old == new {
		return check
	}
	sum := uint32(^check)
	sum += uint32(^uint16(old>>16)) + uint32(^uint16(old))
	sum += uint32(uint16(new>>16)) + uint32(uint16(new))
	return ^Fold(sum)
}

// Replace128 updates checksum check for a 128-bit field, such as an IPv6
// address, by applying Replace32 to each of the four words in order.
func Replace128(check uint16, old, new [4]uint32) uint16 {
	for i := range old {
		check = Replace32(check, old[i], new[i])
	}
	return check
}

// ReplaceSeed32 is Replace32 for a checksum-offloaded packet whose field
// holds the non-complemented pseudo-header seed rather than a final checksum.
func ReplaceSeed32(seed uint16, old, new uint32) uint16 {
	return ^Replace32(^seed, old, new)
}

// ReplaceSeed128 is Replace128 for a checksum-offloaded packet.
func ReplaceSeed128(seed uint16, old, new [4]uint32) uint16 {
	return ^Replace128(^seed, old, new)
}

// NonZeroUDP maps a computed UDP checksum of zero to UDPMangledZero.
func NonZeroUDP(c uint16) uint16 {
	if c == 0 {
		return UDPMangledZero
	}
	return c
}

// Words128 converts a 16-byte IPv6 address into four 32-bit words.
func Words128(addr [16]byte) [4]uint32 {
	var w [4]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(addr[i*4:])
	}
	return w
}
