package comms

import "errors"

var (
	// Framing errors
	ErrPacketTooShort = errors.New("packet shorter than minimum size")
	ErrSizeMismatch   = errors.New("declared packet size does not match buffered length")
	ErrChecksum       = errors.New("packet checksum mismatch")
	ErrBadSync        = errors.New("packet does not start with sync marker")
	ErrOversized      = errors.New("declared packet size exceeds limit")

	// Decode errors
	ErrTagMismatch      = errors.New("packet tag does not match message type")
	ErrPayloadSize      = errors.New("unacceptable payload size")
	ErrShortField       = errors.New("not enough bytes left for field")
	ErrUnknownTag       = errors.New("unknown message tag")
	ErrImageCodec       = errors.New("image codec failure")
	ErrUnsupportedImage = errors.New("image dimensions exceed wire limits")

	// Link errors
	ErrNotConnected = errors.New("drone not connected")
	ErrServerClosed = errors.New("link server closed")
)
