package device

import "testing"

func TestSilenceContract(t *testing.T) {
	d := NewFloppyDrive(true)
	startPos := d.Position()
	startDir := d.Direction()

	for i := 0; i < 1000; i++ {
		st := d.Tick()
		if st.Select {
			t.Fatalf("tick %d: select asserted with no note", i)
		}
	}
	if d.Position() != startPos {
		t.Errorf("position moved without a note: %d -> %d", startPos, d.Position())
	}
	if d.Direction() != startDir {
		t.Errorf("direction changed without a note: %s -> %s", startDir, d.Direction())
	}
}

func TestSetNoteForcesStepHigh(t *testing.T) {
	d := NewFloppyDrive(true)
	if d.step {
		t.Fatal("fresh drive should start with step low")
	}
	d.SetNote(NewNote(69))
	if !d.step {
		t.Error("step line must be high after SetNote")
	}

	// Clearing and re-setting from a high step must not toggle again.
	d.ClearNote()
	d.SetNote(NewNote(69))
	if !d.step {
		t.Error("step line must stay high across re-set")
	}
}

func TestUnplayableNoteSilences(t *testing.T) {
	d := NewFloppyDrive(true)
	d.SetNote(NewNote(69))
	if !d.Sounding() {
		t.Fatal("A4 should be sounding")
	}
	d.SetNote(NewNote(5))
	if d.Sounding() {
		t.Error("unplayable note must silence the drive")
	}
}

func TestArmDelay(t *testing.T) {
	d := NewFloppyDrive(true)
	d.SetNote(NewNote(69))

	if st := d.Tick(); st.Select {
		t.Error("select must not assert on the first tick after SetNote")
	}
	if st := d.Tick(); !st.Select {
		t.Error("select must assert once the arm delay has elapsed")
	}
}

func TestFrequencyFidelity(t *testing.T) {
	d := NewFloppyDrive(true)
	note := NewNote(69)
	h := int(note.HalfTicks())
	d.SetNote(note)

	// Skip the arm delay tick, then measure toggle spacing.
	st := d.Tick()
	last := st.Step
	sinceToggle := 0
	toggles := 0

	for i := 0; i < h*25; i++ {
		st = d.Tick()
		sinceToggle++
		if st.Step != last {
			if toggles > 0 && sinceToggle != h {
				t.Fatalf("toggle %d after %d ticks, want every %d", toggles, sinceToggle, h)
			}
			last = st.Step
			sinceToggle = 0
			toggles++
		}
	}
	if toggles < 20 {
		t.Fatalf("observed %d half-periods, want at least 20", toggles)
	}
}

func TestBoundedPositionInvariant(t *testing.T) {
	for _, movement := range []bool{true, false} {
		d := NewFloppyDrive(movement)
		min, max := d.bounds()

		notes := []uint8{108, 96, 84, 72, 60}
		for _, n := range notes {
			d.SetNote(NewNote(n))
			for i := 0; i < 5000; i++ {
				d.Tick()
				if d.Position() < min || d.Position() > max {
					t.Fatalf("movement=%v note=%d tick=%d: position %d outside [%d, %d]",
						movement, n, i, d.Position(), min, max)
				}
			}
		}
	}
}

func TestDirectionBounceDeterminism(t *testing.T) {
	d := NewFloppyDrive(true)
	_, max := d.bounds()

	d.position = max
	d.direction = Forward
	d.toggleStep()
	if d.direction != Reverse {
		t.Error("advance at upper bound must reverse")
	}
	if d.position != max-1 {
		t.Errorf("position after bounce = %d, want %d", d.position, max-1)
	}

	min, _ := d.bounds()
	d.position = min
	d.direction = Reverse
	d.toggleStep()
	if d.direction != Forward {
		t.Error("advance at lower bound must go forward")
	}
	if d.position != min+1 {
		t.Errorf("position after bounce = %d, want %d", d.position, min+1)
	}
}

func TestDirectionLatchReportsInverse(t *testing.T) {
	d := NewFloppyDrive(true)
	note := NewNote(108) // short half period keeps the test tight
	d.SetNote(note)
	_, max := d.bounds()
	d.position = max
	d.direction = Forward

	// Run until the half-period toggle flips direction at the bound.
	var flipped bool
	for i := 0; i < int(note.HalfTicks())*2+2; i++ {
		st := d.Tick()
		if d.direction == Reverse {
			// The latch window starts on the flip tick: the output must
			// report the previous direction for the next two ticks.
			if st.Direction != Forward {
				t.Fatal("flip tick must still report the previous direction")
			}
			for j := 0; j < 2; j++ {
				if st = d.Tick(); st.Direction != Forward {
					t.Fatalf("latch tick %d: reported %s, want forward", j, st.Direction)
				}
			}
			if st = d.Tick(); st.Direction != Reverse {
				t.Fatalf("after latch window: reported %s, want reverse", st.Direction)
			}
			flipped = true
			break
		}
	}
	if !flipped {
		t.Fatal("direction never flipped at the upper bound")
	}
}

func TestDriveStatePacking(t *testing.T) {
	tests := []struct {
		st   DriveState
		want byte
	}{
		{DriveState{Select: true, Step: true, Direction: Forward}, 0x0},
		{DriveState{Select: false, Step: true, Direction: Forward}, 0x1},
		{DriveState{Select: true, Step: false, Direction: Forward}, 0x2},
		{DriveState{Select: true, Step: true, Direction: Reverse}, 0x4},
		{DriveState{Select: false, Step: false, Direction: Reverse}, 0x7},
	}
	for _, tt := range tests {
		if got := tt.st.Pack(); got != tt.want {
			t.Errorf("Pack(%+v) = %#x, want %#x", tt.st, got, tt.want)
		}
	}
}

func TestReverseByte(t *testing.T) {
	tests := []struct{ in, want byte }{
		{0x01, 0x80},
		{0x80, 0x01},
		{0x07, 0xE0},
		{0xA5, 0xA5},
	}
	for _, tt := range tests {
		if got := reverseByte(tt.in); got != tt.want {
			t.Errorf("reverseByte(%#x) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
