package comms

import (
	"encoding/binary"
	"fmt"
)

const (
	// SyncMarker opens every packet on the wire (decimal 55975)
	SyncMarker uint16 = 0xDAA7

	syncHi = uint8(SyncMarker >> 8)
	syncLo = uint8(SyncMarker & 0xFF)

	// HeaderSize covers sync, size and tag
	HeaderSize = 7
	// ChecksumSize is the two trailing hash bytes
	ChecksumSize = 2
	// MinPacketSize is a packet with an empty payload
	MinPacketSize = HeaderSize + ChecksumSize
)

// header holds the fields parsed from the first seven bytes. A Packet with a
// nil header has not buffered enough bytes yet or was modified since.
type header struct {
	size uint32
	tag  uint8
}

// Packet is a growable buffer holding one framed message. It is assembled
// incrementally by receivers and written in one pass by Serialize.
// A Packet is not safe for concurrent use.
type Packet struct {
	data []byte
	hdr  *header
}

// NewPacket returns a packet holding a copy of b
func NewPacket(b []byte) *Packet {
	p := &Packet{}
	p.Append(b)
	return p
}

// Clear empties the buffer and drops the parsed header
func (p *Packet) Clear() {
	p.data = p.data[:0]
	p.hdr = nil
}

// Append adds bytes to the end of the buffer without validating them
func (p *Packet) Append(b []byte) {
	p.data = append(p.data, b...)
}

// Bytes returns the buffered bytes. The slice aliases the packet.
func (p *Packet) Bytes() []byte { return p.data }

// Len returns the number of buffered bytes
func (p *Packet) Len() int { return len(p.data) }

// HasSync reports whether the buffer starts with the sync marker. Buffers
// shorter than the marker report true while their prefix still matches.
func (p *Packet) HasSync() bool {
	switch len(p.data) {
	case 0:
		return true
	case 1:
		return p.data[0] == syncHi
	default:
		return p.data[0] == syncHi && p.data[1] == syncLo
	}
}

func (p *Packet) parseHeader() bool {
	if p.hdr != nil {
		return true
	}
	if len(p.data) < HeaderSize {
		return false
	}
	p.hdr = &header{
		size: binary.BigEndian.Uint32(p.data[2:6]),
		tag:  p.data[6],
	}
	return true
}

// IsComplete reports whether the buffered length has reached the declared
// packet size. The header is parsed once seven bytes are available.
func (p *Packet) IsComplete() bool {
	if !p.parseHeader() {
		return false
	}
	return uint64(len(p.data)) >= uint64(p.hdr.size)
}

// BytesNeeded returns how many more bytes complete the packet. ok is false
// until the header is buffered.
func (p *Packet) BytesNeeded() (n uint32, ok bool) {
	if !p.parseHeader() {
		return 0, false
	}
	if uint64(len(p.data)) >= uint64(p.hdr.size) {
		return 0, true
	}
	return p.hdr.size - uint32(len(p.data)), true
}

// DeclaredSize returns the size field. ok is false until the header is buffered.
func (p *Packet) DeclaredSize() (uint32, bool) {
	if !p.parseHeader() {
		return 0, false
	}
	return p.hdr.size, true
}

// Tag returns the message tag. ok is false until the header is buffered.
func (p *Packet) Tag() (uint8, bool) {
	if len(p.data) < HeaderSize {
		return 0, false
	}
	return p.data[6], true
}

// ResynchronizeForward drops bytes up to the next sync marker found at index
// 1 or later. If none is found a trailing first sync byte is kept as a seed,
// otherwise the buffer is emptied. A non-empty buffer always shrinks.
func (p *Packet) ResynchronizeForward() {
	if len(p.data) == 0 {
		return
	}
	p.hdr = nil
	for i := 1; i+1 < len(p.data); i++ {
		if p.data[i] == syncHi && p.data[i+1] == syncLo {
			n := copy(p.data, p.data[i:])
			p.data = p.data[:n]
			return
		}
	}
	if len(p.data) > 1 && p.data[len(p.data)-1] == syncHi {
		p.data[0] = syncHi
		p.data = p.data[:1]
		return
	}
	p.data = p.data[:0]
}

// BuildHeader writes the sync marker, total packet size and tag. It must be
// the first write into a cleared packet.
func (p *Packet) BuildHeader(size uint32, tag uint8) {
	p.data = appendUint16(p.data, SyncMarker)
	p.data = appendUint32(p.data, size)
	p.data = appendUint8(p.data, tag)
	p.hdr = nil
}

// consume drops the first n buffered bytes
func (p *Packet) consume(n int) {
	if n >= len(p.data) {
		p.Clear()
		return
	}
	k := copy(p.data, p.data[n:])
	p.data = p.data[:k]
	p.hdr = nil
}

// patchSize overwrites the size field of an already built header
func (p *Packet) patchSize(size uint32) {
	binary.BigEndian.PutUint32(p.data[2:6], size)
	p.hdr = nil
}

// checksum returns the running-sum hash of b
func checksum(b []byte) (hashA, hashB uint8) {
	for _, v := range b {
		hashA += v
		hashB += hashA
	}
	return hashA, hashB
}

// AppendChecksum appends the two hash bytes computed over everything written so far
func (p *Packet) AppendChecksum() {
	a, b := checksum(p.data)
	p.data = append(p.data, a, b)
}

// ValidateChecksum checks the declared size against the buffered length and
// recomputes the hash over all but the last two bytes
func (p *Packet) ValidateChecksum() error {
	if len(p.data) < MinPacketSize {
		return ErrPacketTooShort
	}
	size := binary.BigEndian.Uint32(p.data[2:6])
	if uint64(size) != uint64(len(p.data)) {
		return fmt.Errorf("%w: declared %d, have %d", ErrSizeMismatch, size, len(p.data))
	}
	a, b := checksum(p.data[:len(p.data)-ChecksumSize])
	if a != p.data[len(p.data)-2] || b != p.data[len(p.data)-1] {
		return ErrChecksum
	}
	return nil
}

// ValidateChecksumSizeAndTag is ValidateChecksum plus an exact tag match
func (p *Packet) ValidateChecksumSizeAndTag(tag uint8) error {
	if err := p.ValidateChecksum(); err != nil {
		return err
	}
	if p.data[6] != tag {
		return fmt.Errorf("%w: want %d, got %d", ErrTagMismatch, tag, p.data[6])
	}
	return nil
}

// validate is the common Deserialize preamble: integrity, tag and the
// payload size rule of the message type
func (p *Packet) validate(tag uint8, minSize int, exact bool) error {
	if err := p.ValidateChecksumSizeAndTag(tag); err != nil {
		return err
	}
	if exact && len(p.data) != minSize {
		return fmt.Errorf("%w: tag %d wants %d bytes, have %d", ErrPayloadSize, tag, minSize, len(p.data))
	}
	if len(p.data) < minSize {
		return fmt.Errorf("%w: tag %d wants at least %d bytes, have %d", ErrPayloadSize, tag, minSize, len(p.data))
	}
	return nil
}
