// Package proto defines the host <-> device wire protocol: the message set,
// the CBOR payload codec, and the length-prefixed framing layer that sits on
// top of a chunked serial transport.
package proto

import "fmt"

// Message is implemented by every protocol message, in both directions.
// Host -> device: Hello, SetConfig, MidiEvent, End.
// Device -> host: HelloAck, SetConfigAck, Ready, MidiEventAck, EndAck, Error.
type Message interface {
	message()
	// Kind returns the wire variant name, used for logging and diagnostics.
	Kind() string
}

// ParallelMode selects the strategy used to resolve simultaneous notes on a
// single drive group.
type ParallelMode string

const (
	// ParallelCollapse keeps only the first note of a chord.
	ParallelCollapse ParallelMode = "collapse"

	// ParallelSynthesize samples the composed waveform of the chord.
	ParallelSynthesize ParallelMode = "synthesize"

	// ParallelDistribute spreads chord notes across the available drives.
	ParallelDistribute ParallelMode = "distribute"
)

// Hello opens (or soft-resets) a session.
type Hello struct{}

// SetConfig carries the full device configuration. It is applied wholesale:
// the drive roster and routing table are rebuilt from scratch.
type SetConfig struct {
	// ParallelMode resolves parallel notes routed to the same drives.
	ParallelMode ParallelMode `cbor:"parallel_mode"`

	// Movement selects the wide head sweep (true) over the quiet two-track
	// dither around the middle of the disk (false).
	Movement bool `cbor:"movement"`

	// DriveCount is the number of drives in the chain, in daisy-chain order.
	DriveCount uint8 `cbor:"drive_count"`

	// Tracks maps track number -> channel number -> drive indices.
	Tracks map[uint16]map[uint8][]uint8 `cbor:"tracks"`
}

// MidiEvent carries one note event for a (track, channel) route.
type MidiEvent struct {
	Track   uint16      `cbor:"track"`
	Channel uint8       `cbor:"channel"`
	Message MidiMessage `cbor:"message"`
}

// End terminates the stream and returns the device to its idle state.
type End struct{}

// HelloAck acknowledges a Hello.
type HelloAck struct{}

// SetConfigAck acknowledges a SetConfig, sent before the homing sequence runs.
type SetConfigAck struct{}

// Ready reports that the homing sequence finished and streaming may begin.
type Ready struct{}

// MidiEventAck acknowledges a MidiEvent.
type MidiEventAck struct{}

// EndAck acknowledges an End.
type EndAck struct{}

// Error reports a fatal device-side condition. The device halts after
// sending it; there is no soft-restart path.
type Error struct {
	Text string
}

func (Hello) message()        {}
func (SetConfig) message()    {}
func (MidiEvent) message()    {}
func (End) message()          {}
func (HelloAck) message()     {}
func (SetConfigAck) message() {}
func (Ready) message()        {}
func (MidiEventAck) message() {}
func (EndAck) message()       {}
func (Error) message()        {}

func (Hello) Kind() string        { return "Hello" }
func (SetConfig) Kind() string    { return "SetConfig" }
func (MidiEvent) Kind() string    { return "MidiEvent" }
func (End) Kind() string          { return "End" }
func (HelloAck) Kind() string     { return "HelloAck" }
func (SetConfigAck) Kind() string { return "SetConfigAck" }
func (Ready) Kind() string        { return "Ready" }
func (MidiEventAck) Kind() string { return "MidiEventAck" }
func (EndAck) Kind() string       { return "EndAck" }
func (Error) Kind() string        { return "Error" }

// MidiMessage is the limited set of MIDI messages carried by MidiEvent.
// Only NoteOn and NoteOff are implemented by the device; the remaining
// variants exist on the wire but are rejected as unimplemented.
type MidiMessage interface {
	midiMessage()
	Kind() string
}

// NoteOn starts a note. Velocity 0 is treated as a NoteOff, per MIDI custom.
type NoteOn struct {
	Note     uint8 `cbor:"note"`
	Velocity uint8 `cbor:"velocity"`
}

// NoteOff stops a note.
type NoteOff struct {
	Note     uint8 `cbor:"note"`
	Velocity uint8 `cbor:"velocity"`
}

// ProgramChange is carried on the wire but not implemented by the device.
type ProgramChange struct {
	Program uint8 `cbor:"program"`
}

// ControlChange is carried on the wire but not implemented by the device.
type ControlChange struct {
	Control uint8 `cbor:"control"`
	Value   uint8 `cbor:"value"`
}

// PitchBend is carried on the wire but not implemented by the device.
type PitchBend struct {
	Value int16 `cbor:"value"`
}

func (NoteOn) midiMessage()        {}
func (NoteOff) midiMessage()       {}
func (ProgramChange) midiMessage() {}
func (ControlChange) midiMessage() {}
func (PitchBend) midiMessage()     {}

func (NoteOn) Kind() string        { return "NoteOn" }
func (NoteOff) Kind() string       { return "NoteOff" }
func (ProgramChange) Kind() string { return "ProgramChange" }
func (ControlChange) Kind() string { return "ControlChange" }
func (PitchBend) Kind() string     { return "PitchBend" }

func (e MidiEvent) String() string {
	return fmt.Sprintf("MidiEvent{track: %d, channel: %d, message: %s}", e.Track, e.Channel, e.Message.Kind())
}
