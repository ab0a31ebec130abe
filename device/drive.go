package device

import "math/bits"

// Drive geometry, counted in head half-steps across the 80 physical tracks.
// Movement mode sweeps nearly the whole range for maximum resonance; still
// mode dithers across two tracks around the middle to keep head travel
// noise down.
const (
	NumTracks = 80

	MaxPositionMovement = 156
	MinPositionMovement = 2
	MaxPositionStill    = 81
	MinPositionStill    = 79
)

// Empirically-tuned actuator settle times, in ticks. armDelayTicks is how
// long the select line must be asserted before step pulses register;
// directionLatchTicks is the mechanical lead time after a direction flip
// during which the direction line must report the previous direction.
const (
	armDelayTicks       = 1
	directionLatchTicks = 2
)

// Direction selects whether the next step pulse advances or retreats the
// head.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// Inverse returns the opposite direction.
func (d Direction) Inverse() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// DriveState is the output of one drive for one tick: the levels of its
// select, step and direction lines.
type DriveState struct {
	Select    bool
	Step      bool
	Direction Direction
}

// Pack encodes the state into its canonical byte layout:
//
//	bit 0: select  (active low)
//	bit 1: step    (active low)
//	bit 2: direction (1 = reverse)
func (s DriveState) Pack() byte {
	var b byte
	if !s.Select {
		b |= 0x1
	}
	if !s.Step {
		b |= 0x2
	}
	if s.Direction == Reverse {
		b |= 0x4
	}
	return b
}

// reverseByte mirrors a packed byte into the bit order the physical shift
// network expects. This is the single logical-to-physical conversion point;
// nothing else in the engine reorders bits.
func reverseByte(b byte) byte { return bits.Reverse8(b) }

// FloppyDrive converts an optional note into a square-wave step/direction
// signal, one output sample per tick, while bouncing the head inside its
// configured travel bounds.
//
// Drive specification: http://www.bitsavers.org/pdf/mitsubishi/floppy/MF355/UGD-0489A_MF355B_Specifications_Sep86.pdf
type FloppyDrive struct {
	note    Note
	hasNote bool

	noteTick      uint32 // ticks since the note was (re)set
	periodTick    uint32 // ticks into the current half period
	directionTick uint32 // ticks since the last direction flip

	position  uint8
	step      bool
	direction Direction
	movement  bool
}

// NewFloppyDrive builds a drive in its home state. The movement flag is
// fixed for the drive's lifetime; the roster is rebuilt on reconfiguration.
func NewFloppyDrive(movement bool) *FloppyDrive {
	d := &FloppyDrive{movement: movement, direction: Forward}
	min, _ := d.bounds()
	d.position = min
	return d
}

// SetNote starts sounding the given note, replacing any current one.
// Unplayable notes silence the drive instead. The step line is forced high
// so every note starts from the same pulse polarity.
func (d *FloppyDrive) SetNote(n Note) {
	if n.Playable() {
		d.note = n
		d.hasNote = true
	} else {
		d.hasNote = false
	}
	d.resetCounters()
}

// ClearNote silences the drive. The head holds its position.
func (d *FloppyDrive) ClearNote() {
	d.hasNote = false
	d.resetCounters()
}

func (d *FloppyDrive) resetCounters() {
	d.periodTick = 0
	d.noteTick = 0
	d.directionTick = 0

	if !d.step {
		d.toggleStep()
	}
}

// Tick produces the drive's output for one scheduler tick.
//
// With no active note nothing is asserted and nothing moves. With a note,
// the select line arms after armDelayTicks, then the step line toggles every
// HalfTicks ticks. The direction line reports the inverse of the true
// direction for directionLatchTicks after a flip, matching the head's
// mechanical lead time on a reversal.
func (d *FloppyDrive) Tick() DriveState {
	if !d.hasNote {
		return DriveState{Select: false, Step: d.step, Direction: d.direction}
	}

	d.noteTick++
	d.directionTick++
	selected := d.noteTick > armDelayTicks

	if selected {
		d.periodTick++
		if d.periodTick >= d.note.HalfTicks() {
			d.toggleStep()
			d.periodTick = 0
		}
	}

	direction := d.direction
	if d.directionTick <= directionLatchTicks {
		direction = d.direction.Inverse()
	}

	return DriveState{Select: selected, Step: d.step, Direction: direction}
}

// toggleStep flips the step line and advances the head one half-step,
// bouncing off the travel bounds for the configured amplitude mode.
func (d *FloppyDrive) toggleStep() {
	min, max := d.bounds()

	if d.position >= max {
		d.direction = Reverse
		d.directionTick = 0
	} else if d.position == min {
		d.direction = Forward
		d.directionTick = 0
	}

	if d.direction == Forward {
		d.position++
	} else {
		d.position--
	}

	d.step = !d.step
}

func (d *FloppyDrive) bounds() (min, max uint8) {
	if d.movement {
		return MinPositionMovement, MaxPositionMovement
	}
	return MinPositionStill, MaxPositionStill
}

// Home resets the drive's bookkeeping after the physical homing sequence has
// walked the head back to track zero and out to the mode's lower bound.
func (d *FloppyDrive) Home() {
	d.hasNote = false
	d.noteTick = 0
	d.periodTick = 0
	d.directionTick = 0
	d.step = false
	d.direction = Forward
	min, _ := d.bounds()
	d.position = min
}

// Position returns the head position in half-steps.
func (d *FloppyDrive) Position() uint8 { return d.position }

// Direction returns the true head direction, ignoring the latch window.
func (d *FloppyDrive) Direction() Direction { return d.direction }

// Sounding reports whether a note is currently active.
func (d *FloppyDrive) Sounding() bool { return d.hasNote }
