package comms

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultMaxPacketSize bounds the declared size of an incoming packet. A
// larger size field is treated as corruption.
const DefaultMaxPacketSize = 32 << 20

const readChunk = 64 << 10

// Handler receives decoded messages in stream order
type Handler func(msg Message)

// Receiver reassembles packets from a byte stream, recovering from corrupt
// framing by forward resynchronization, and hands decoded messages to a
// Handler. A Receiver is not safe for concurrent use.
type Receiver struct {
	handler Handler
	log     logrus.FieldLogger
	metrics *LinkMetrics
	maxSize uint32

	buf   Packet
	frame Packet

	framingErrors uint64
	decodeErrors  uint64
	packets       uint64
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger for framing warnings
func WithReceiverLogger(l logrus.FieldLogger) ReceiverOption {
	return func(r *Receiver) { r.log = l }
}

// WithReceiverMetrics records packet and error counts
func WithReceiverMetrics(m *LinkMetrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// WithMaxPacketSize overrides DefaultMaxPacketSize
func WithMaxPacketSize(n uint32) ReceiverOption {
	return func(r *Receiver) {
		if n >= MinPacketSize {
			r.maxSize = n
		}
	}
}

// NewReceiver returns a receiver delivering to handler
func NewReceiver(handler Handler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		handler: handler,
		log:     logrus.StandardLogger(),
		maxSize: DefaultMaxPacketSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Feed appends bytes from the stream and delivers every message completed by them
func (r *Receiver) Feed(b []byte) {
	r.metrics.recordBytes(len(b))
	r.buf.Append(b)

	for r.buf.Len() > 0 {
		if !r.buf.HasSync() {
			r.resync("sync")
			continue
		}
		size, ok := r.buf.DeclaredSize()
		if !ok {
			return
		}
		if size < MinPacketSize || size > r.maxSize {
			r.resync("size")
			continue
		}
		if !r.buf.IsComplete() {
			return
		}

		r.frame.Clear()
		r.frame.Append(r.buf.Bytes()[:size])
		if err := r.frame.ValidateChecksum(); err != nil {
			r.resync("checksum")
			continue
		}
		r.buf.consume(int(size))

		tag, _ := r.frame.Tag()
		msg, err := Decode(&r.frame)
		if err != nil {
			r.decodeErrors++
			r.metrics.recordDecodeError(tag)
			r.log.WithFields(logrus.Fields{
				"type":  TagName(tag),
				"size":  size,
				"error": err,
			}).Warn("Dropping undecodable packet")
			continue
		}
		r.packets++
		r.metrics.recordPacket(tag)
		if r.handler != nil {
			r.handler(msg)
		}
	}
}

func (r *Receiver) resync(reason string) {
	r.framingErrors++
	r.metrics.recordFramingError(reason)
	before := r.buf.Len()
	r.buf.ResynchronizeForward()
	r.log.WithFields(logrus.Fields{
		"reason":    reason,
		"discarded": before - r.buf.Len(),
	}).Warn("Lost packet framing, resynchronizing")
}

// Run reads src until EOF, an error or ctx cancellation. EOF is a clean
// shutdown and returns nil. Cancellation is only observed between reads, so
// callers close the underlying connection to unblock a pending read.
func (r *Receiver) Run(ctx context.Context, src io.Reader) error {
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(chunk)
		if n > 0 {
			r.Feed(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Stats reports decoded packets, framing errors and decode errors so far
func (r *Receiver) Stats() (packets, framingErrors, decodeErrors uint64) {
	return r.packets, r.framingErrors, r.decodeErrors
}

// Pending returns the number of buffered bytes not yet framed
func (r *Receiver) Pending() int {
	return r.buf.Len()
}
