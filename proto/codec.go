package proto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The payload encoding mirrors an externally-tagged enum: a variant with no
// payload is encoded as its bare name ("Hello"), a variant with a payload is
// encoded as a single-entry map {"SetConfig": {...}}. Both endpoints agree on
// this shape, so a payload that does not match it is a contract violation.

// EncodePayload serializes a message into its CBOR payload, without the
// length prefix.
func EncodePayload(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Hello, End, HelloAck, SetConfigAck, Ready, MidiEventAck, EndAck:
		return cbor.Marshal(m.Kind())
	case SetConfig:
		return marshalTagged(v.Kind(), v)
	case MidiEvent:
		inner, err := marshalTagged(v.Message.Kind(), v.Message)
		if err != nil {
			return nil, err
		}
		return marshalTagged(v.Kind(), midiEventWire{
			Track:   v.Track,
			Channel: v.Channel,
			Message: inner,
		})
	case Error:
		return marshalTagged(v.Kind(), v.Text)
	default:
		return nil, fmt.Errorf("proto: cannot encode message of type %T", m)
	}
}

// DecodePayload deserializes a CBOR payload into a message.
func DecodePayload(payload []byte) (Message, error) {
	var name string
	if err := cbor.Unmarshal(payload, &name); err == nil {
		switch name {
		case "Hello":
			return Hello{}, nil
		case "End":
			return End{}, nil
		case "HelloAck":
			return HelloAck{}, nil
		case "SetConfigAck":
			return SetConfigAck{}, nil
		case "Ready":
			return Ready{}, nil
		case "MidiEventAck":
			return MidiEventAck{}, nil
		case "EndAck":
			return EndAck{}, nil
		}
		return nil, fmt.Errorf("proto: unknown message %q", name)
	}

	variant, raw, err := splitTagged(payload)
	if err != nil {
		return nil, err
	}

	switch variant {
	case "SetConfig":
		var cfg SetConfig
		if err := cbor.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("proto: decode SetConfig: %w", err)
		}
		return cfg, nil
	case "MidiEvent":
		var wire midiEventWire
		if err := cbor.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("proto: decode MidiEvent: %w", err)
		}
		msg, err := decodeMidiMessage(wire.Message)
		if err != nil {
			return nil, err
		}
		return MidiEvent{Track: wire.Track, Channel: wire.Channel, Message: msg}, nil
	case "Error":
		var text string
		if err := cbor.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("proto: decode Error: %w", err)
		}
		return Error{Text: text}, nil
	default:
		return nil, fmt.Errorf("proto: unknown message %q", variant)
	}
}

// midiEventWire defers decoding of the nested message variant until the
// outer envelope is known to be a MidiEvent.
type midiEventWire struct {
	Track   uint16          `cbor:"track"`
	Channel uint8           `cbor:"channel"`
	Message cbor.RawMessage `cbor:"message"`
}

func decodeMidiMessage(raw cbor.RawMessage) (MidiMessage, error) {
	variant, payload, err := splitTagged(raw)
	if err != nil {
		return nil, err
	}

	switch variant {
	case "NoteOn":
		var m NoteOn
		err = cbor.Unmarshal(payload, &m)
		return m, err
	case "NoteOff":
		var m NoteOff
		err = cbor.Unmarshal(payload, &m)
		return m, err
	case "ProgramChange":
		var m ProgramChange
		err = cbor.Unmarshal(payload, &m)
		return m, err
	case "ControlChange":
		var m ControlChange
		err = cbor.Unmarshal(payload, &m)
		return m, err
	case "PitchBend":
		var m PitchBend
		err = cbor.Unmarshal(payload, &m)
		return m, err
	default:
		return nil, fmt.Errorf("proto: unknown midi message %q", variant)
	}
}

func marshalTagged(name string, payload any) ([]byte, error) {
	return cbor.Marshal(map[string]any{name: payload})
}

func splitTagged(data []byte) (string, cbor.RawMessage, error) {
	var m map[string]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("proto: malformed payload: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("proto: expected a single-variant payload, got %d entries", len(m))
	}
	for name, raw := range m {
		return name, raw, nil
	}
	panic("unreachable")
}
