package comms

import "fmt"

// NewMessage returns an empty message for a tag
func NewMessage(tag uint8) (Message, error) {
	switch tag {
	case TagCoreTelemetry:
		return &CoreTelemetry{}, nil
	case TagExtendedTelemetry:
		return &ExtendedTelemetry{}, nil
	case TagImage:
		return &Image{}, nil
	case TagAcknowledgment:
		return &Acknowledgment{}, nil
	case TagMessageString:
		return &MessageString{}, nil
	case TagCompressedImage:
		return &CompressedImage{}, nil
	case TagEmergencyCommand:
		return &EmergencyCommand{}, nil
	case TagCameraControl:
		return &CameraControl{}, nil
	case TagExecuteWaypointMission:
		return &ExecuteWaypointMission{}, nil
	case TagVirtualStickCommand:
		return &VirtualStickCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// Decode parses a complete packet into the message its tag names
func Decode(p *Packet) (Message, error) {
	tag, ok := p.Tag()
	if !ok {
		return nil, ErrPacketTooShort
	}
	msg, err := NewMessage(tag)
	if err != nil {
		return nil, err
	}
	if err := msg.Deserialize(p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TagName(tag), err)
	}
	return msg, nil
}

// Encode serializes msg into a fresh byte slice
func Encode(msg Message) ([]byte, error) {
	var p Packet
	if err := msg.Serialize(&p); err != nil {
		return nil, fmt.Errorf("encode %s: %w", TagName(msg.Tag()), err)
	}
	return p.Bytes(), nil
}
