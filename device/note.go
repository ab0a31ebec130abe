// Package device implements the drive-side real-time engine: the note model,
// the per-drive pulse synthesis, the shift-register pulse serializer, the
// fixed-period tick scheduler, and the protocol state machine that ties them
// together under the two-interrupt execution model.
package device

import (
	"fmt"
	"math"
)

// TickPeriodMicros is the scheduler period. Every drive is sampled once per
// tick, so this is also the resolution the pitch of a note is quantized to.
const TickPeriodMicros = 20

// MIDI note numbers of the lowest and highest pitch a drive head can track.
// A0..C8 is the standard piano range; outside it the head cannot keep up or
// the quantization error swamps the pitch.
const (
	lowestPlayable  = 21
	highestPlayable = 108
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is a playable pitch, identified by its MIDI note number. It is
// immutable and owned by value by whichever drive is currently sounding it.
type Note uint8

// NewNote builds a Note from a raw MIDI note number.
func NewNote(n uint8) Note { return Note(n) }

// Frequency returns the equal-temperament frequency in Hz (A4 = 440).
func (n Note) Frequency() float64 {
	return 440.0 * math.Pow(2, (float64(n)-69)/12)
}

// Playable reports whether the note can be rendered by a drive: it must lie
// in the trackable range and its half period must span at least two ticks.
func (n Note) Playable() bool {
	return n >= lowestPlayable && n <= highestPlayable && n.HalfTicks() >= 2
}

// HalfTicks returns the number of scheduler ticks per half period of the
// target square wave, i.e. the note's pitch quantized to tick resolution.
func (n Note) HalfTicks() uint32 {
	halfPeriodMicros := 1e6 / (2 * n.Frequency())
	ticks := math.Round(halfPeriodMicros / TickPeriodMicros)
	if ticks < 1 {
		return 1
	}
	return uint32(ticks)
}

// String renders the note name with its octave, e.g. "C4" for MIDI 60.
func (n Note) String() string {
	return fmt.Sprintf("%s%d", noteNames[n%12], int(n)/12-1)
}
