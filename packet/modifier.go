package packet

import (
	"encoding/binary"
	"errors"
)

// ErrNotWritable is returned when a buffer cannot be made exclusively
// writable.
var ErrNotWritable = errors.New("packet buffer not writable")

// Handle is a packet as handed over by the hook. Bytes must not be written
// through; obtain a Writable first.
type Handle interface {
	Family() Family
	Bytes() []byte
	// ChecksumOffloaded reports that the transport checksum field holds the
	// pseudo-header seed and is completed later by the device.
	ChecksumOffloaded() bool
	// MakeWritable ensures the first minLen bytes may be modified. Offsets
	// and slices obtained before the call must not be reused.
	MakeWritable(minLen int) (Writable, error)
}

// Writable is an exclusive view of a packet returned by MakeWritable.
type Writable interface {
	Len() int
	Slice(off, n int) ([]byte, error)
	ReadU16(off int) (uint16, error)
	WriteU16(off int, v uint16) error
	WriteBytes(off int, b []byte) error
}

// Buffer is a Handle over an in-memory packet. A shared buffer is copied
// once on the first MakeWritable call.
type Buffer struct {
	family    Family
	data      []byte
	shared    bool
	offloaded bool
	modified  bool
}

// NewBuffer wraps data, taking the family from the version nibble.
func NewBuffer(data []byte) (*Buffer, error) {
	f, err := FamilyOf(data)
	if err != nil {
		return nil, err
	}
	return &Buffer{family: f, data: data}, nil
}

// SetShared marks the backing data as owned by someone else.
func (b *Buffer) SetShared(shared bool) { b.shared = shared }

// SetChecksumOffloaded marks the transport checksum as a pseudo-header seed.
func (b *Buffer) SetChecksumOffloaded(v bool) { b.offloaded = v }

func (b *Buffer) Family() Family          { return b.family }
func (b *Buffer) Bytes() []byte           { return b.data }
func (b *Buffer) ChecksumOffloaded() bool { return b.offloaded }

// Modified reports whether any byte was written through a Writable.
func (b *Buffer) Modified() bool { return b.modified }

// MakeWritable implements Handle.
func (b *Buffer) MakeWritable(minLen int) (Writable, error) {
	if minLen > len(b.data) {
		return nil, ErrPacketTooShort
	}
	if b.shared {
		data := make([]byte, len(b.data))
		copy(data, b.data)
		b.data = data
		b.shared = false
	}
	return &bufferView{buf: b}, nil
}

type bufferView struct {
	buf *Buffer
}

func (v *bufferView) Len() int { return len(v.buf.data) }

func (v *bufferView) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(v.buf.data) {
		return nil, ErrOutOfBounds
	}
	return v.buf.data[off : off+n], nil
}

func (v *bufferView) ReadU16(off int) (uint16, error) {
	s, err := v.Slice(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

func (v *bufferView) WriteU16(off int, val uint16) error {
	s, err := v.Slice(off, 2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(s, val)
	v.buf.modified = true
	return nil
}

func (v *bufferView) WriteBytes(off int, b []byte) error {
	s, err := v.Slice(off, len(b))
	if err != nil {
		return err
	}
	copy(s, b)
	v.buf.modified = true
	return nil
}
