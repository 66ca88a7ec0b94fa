package comms

import (
	"encoding/binary"
	"math"

	"github.com/sirupsen/logrus"
)

// logger receives decode warnings. Set it once at startup with SetLogger.
var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for decode warnings
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

// Field encoders. All multi-byte values are big-endian; floats are sent as
// their IEEE-754 bit patterns, which assumes float and integer byte order
// agree on both ends of the link.

func appendUint8(b []byte, v uint8) []byte { return append(b, v) }

func appendUint16(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }

func appendUint32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func appendUint64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

func appendFloat32(b []byte, v float32) []byte { return appendUint32(b, math.Float32bits(v)) }

func appendFloat64(b []byte, v float64) []byte { return appendUint64(b, math.Float64bits(v)) }

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// appendString writes a u32 length prefix followed by the raw bytes
func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// appendRGB writes rows and cols as u16 followed by R,G,B bytes row-major
func appendRGB(b []byte, img *RGBImage) []byte {
	if img == nil {
		return appendUint32(b, 0)
	}
	b = appendUint16(b, uint16(img.Rows))
	b = appendUint16(b, uint16(img.Cols))
	return append(b, img.Pix[:img.Rows*img.Cols*3]...)
}

// decoder reads fields from a byte window with a forward-only cursor.
// Callers must check the window holds the fixed-width fields they read;
// variable-width fields are checked against an explicit budget.
type decoder struct {
	buf []byte
	pos int
}

// newPayloadDecoder returns a decoder over the payload of a complete packet
func newPayloadDecoder(p *Packet) *decoder {
	return &decoder{buf: p.data[:len(p.data)-ChecksumSize], pos: HeaderSize}
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) u8() uint8 {
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16() uint16 {
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32() uint32 {
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) u64() uint64 {
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) flag() bool { return d.u8() != 0 }

// skip advances past n bytes, never beyond the end of the window
func (d *decoder) skip(n int) {
	if n > d.remaining() {
		n = d.remaining()
	}
	if n > 0 {
		d.pos += n
	}
}

// abort consumes the rest of the budget and reports a short field
func (d *decoder) abort(field string, consumed int, budget *int) error {
	logger.WithFields(logrus.Fields{
		"field":  field,
		"budget": *budget,
	}).Warn("Not enough bytes left for field, aborting decode")
	d.skip(*budget - consumed)
	*budget = 0
	return ErrShortField
}

// str decodes a length-prefixed string. budget is the most bytes the whole
// field (prefix included) may occupy; it is decremented by what was consumed.
func (d *decoder) str(budget *int) (string, error) {
	if *budget < 4 {
		return "", d.abort("string", 0, budget)
	}
	n := uint64(d.u32())
	if n+4 > uint64(*budget) {
		return "", d.abort("string", 4, budget)
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	*budget -= int(n) + 4
	return s, nil
}

// rgb decodes an uncompressed raster with the same budget rules as str
func (d *decoder) rgb(budget *int) (*RGBImage, error) {
	if *budget < 4 {
		return NewRGBImage(0, 0), d.abort("image", 0, budget)
	}
	rows := int(d.u16())
	cols := int(d.u16())
	n := rows * cols * 3
	if n+4 > *budget {
		return NewRGBImage(0, 0), d.abort("image", 4, budget)
	}
	img := NewRGBImage(rows, cols)
	copy(img.Pix, d.buf[d.pos:d.pos+n])
	d.pos += n
	*budget -= n + 4
	return img, nil
}

// rest returns every byte left in the window
func (d *decoder) rest() []byte {
	b := d.buf[d.pos:]
	d.pos = len(d.buf)
	return b
}
