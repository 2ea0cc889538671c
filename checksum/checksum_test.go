package checksum

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleIPv4Header is the well-known header from the Wikipedia IPv4 checksum
// example; its checksum field is 0xb861.
func sampleIPv4Header() []byte {
	return []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0xb8, 0x61, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
}

func TestChecksumKnownHeader(t *testing.T) {
	hdr := sampleIPv4Header()
	assert.Equal(t, uint16(0xFFFF), Fold(Sum(hdr, 0)), "valid header must sum to 0xFFFF")

	binary.BigEndian.PutUint16(hdr[10:12], 0)
	assert.Equal(t, uint16(0xb861), Checksum(hdr, 0))
}

func TestSumOddLength(t *testing.T) {
	assert.Equal(t, uint32(0x0102+0x0300), Sum([]byte{0x01, 0x02, 0x03}, 0))
}

func TestFold(t *testing.T) {
	assert.Equal(t, uint16(0x0001), Fold(0x00010000))
	assert.Equal(t, uint16(0xFFFF), Fold(0xFFFF))
	assert.Equal(t, uint16(0x0001), Fold(0x0001FFFF))
	assert.Equal(t, uint16(0x0000), FoldComplement(0xFFFF))
}

func TestReplace32Identity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for c := 0; c <= 0xFFFF; c += 97 {
		v := rng.Uint32()
		assert.Equal(t, uint16(c), Replace32(uint16(c), v, v))
	}
	assert.Equal(t, uint16(0xFFFF), Replace32(0xFFFF, 7, 7))
	assert.Equal(t, uint16(0x0000), Replace32(0x0000, 7, 7))
}

func TestReplace32MatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		hdr := make([]byte, 20)
		rng.Read(hdr)
		hdr[0] = 0x45
		binary.BigEndian.PutUint16(hdr[10:12], 0)
		binary.BigEndian.PutUint16(hdr[10:12], Checksum(hdr, 0))

		oldDst := binary.BigEndian.Uint32(hdr[16:20])
		newDst := rng.Uint32()
		got := Replace32(binary.BigEndian.Uint16(hdr[10:12]), oldDst, newDst)

		binary.BigEndian.PutUint32(hdr[16:20], newDst)
		binary.BigEndian.PutUint16(hdr[10:12], 0)
		require.Equal(t, Checksum(hdr, 0), got, "iteration %d", i)
	}
}

func TestReplace128MatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 2000; i++ {
		// 16 byte address, 2 byte checksum field, random payload.
		region := make([]byte, 16+2+30)
		rng.Read(region)
		region[18] = 0x45
		binary.BigEndian.PutUint16(region[16:18], 0)
		binary.BigEndian.PutUint16(region[16:18], Checksum(region, 0))

		var oldAddr, newAddr [16]byte
		copy(oldAddr[:], region[:16])
		rng.Read(newAddr[:])

		got := Replace128(binary.BigEndian.Uint16(region[16:18]), Words128(oldAddr), Words128(newAddr))

		copy(region[:16], newAddr[:])
		binary.BigEndian.PutUint16(region[16:18], 0)
		require.Equal(t, Checksum(region, 0), got, "iteration %d", i)
	}
}

func TestReplace128EqualsWordByWord(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		c := uint16(rng.Intn(0xFFFF))
		var o, n [4]uint32
		for j := range o {
			o[j], n[j] = rng.Uint32(), rng.Uint32()
		}
		want := c
		for j := range o {
			want = Replace32(want, o[j], n[j])
		}
		assert.Equal(t, want, Replace128(c, o, n))
	}
}

func TestReplace32RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	// 0xFFFF is excluded: it aliases 0x0000 in one's-complement arithmetic
	// and no from-scratch checksum of non-zero data ever produces it.
	for c := 0; c < 0xFFFF; c++ {
		a, b := rng.Uint32(), rng.Uint32()
		require.Equal(t, uint16(c), Replace32(Replace32(uint16(c), a, b), b, a), "c=%#04x a=%#08x b=%#08x", c, a, b)
	}
}

func TestReplaceSeed32(t *testing.T) {
	src := []byte{192, 168, 1, 10}
	oldDst := []byte{192, 168, 1, 1}
	newDst := []byte{10, 0, 0, 1}

	seed := Fold(PseudoHeaderSum(src, oldDst, 17, 28))
	want := Fold(PseudoHeaderSum(src, newDst, 17, 28))

	got := ReplaceSeed32(seed, binary.BigEndian.Uint32(oldDst), binary.BigEndian.Uint32(newDst))
	assert.Equal(t, want, got)
}

func TestReplaceSeed128(t *testing.T) {
	var src, oldDst, newDst [16]byte
	src[0], src[15] = 0xfd, 0x02
	oldDst[0], oldDst[15] = 0xfd, 0x09
	newDst[0], newDst[1], newDst[15] = 0x20, 0x01, 0x01

	seed := Fold(PseudoHeaderSum(src[:], oldDst[:], 6, 40))
	want := Fold(PseudoHeaderSum(src[:], newDst[:], 6, 40))

	assert.Equal(t, want, ReplaceSeed128(seed, Words128(oldDst), Words128(newDst)))
}

func TestNonZeroUDP(t *testing.T) {
	assert.Equal(t, UDPMangledZero, NonZeroUDP(0))
	assert.Equal(t, uint16(0x1234), NonZeroUDP(0x1234))
}

func TestPseudoHeaderSumLength(t *testing.T) {
	src := []byte{0, 0, 0, 0}
	dst := []byte{0, 0, 0, 0}
	assert.Equal(t, uint32(17+8), PseudoHeaderSum(src, dst, 17, 8))
	assert.Equal(t, uint32(Fold(6+1+0x0002)), PseudoHeaderSum(src, dst, 6, 0x10002))
}
