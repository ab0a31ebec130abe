package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/wowkster/floppier/proto"
)

type nopSleeper struct{}

func (nopSleeper) SleepMillis(int) {}

func newTestEngine() (*Engine, *bytes.Buffer, *fakeAlarm) {
	out := &bytes.Buffer{}
	alarm := &fakeAlarm{}
	sr := NewSN74HC595(noopBus(), nil)
	sched := NewScheduler(&fakeClock{}, alarm, sr)
	eng := NewEngine(out, sr, sched, nopSleeper{})
	return eng, out, alarm
}

// deliver frames a message and feeds it to the engine in transport-sized
// chunks, as the real interrupt path would.
func deliver(t *testing.T, eng *Engine, msg proto.Message) error {
	t.Helper()

	var wire bytes.Buffer
	if err := proto.Send(&wire, msg); err != nil {
		t.Fatalf("Send(%s): %v", msg.Kind(), err)
	}

	frame := wire.Bytes()
	for len(frame) > 0 {
		n := len(frame)
		if n > proto.MaxChunk {
			n = proto.MaxChunk
		}
		if err := eng.TransportInterrupt(frame[:n]); err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// drainReplies decodes every device-to-host frame accumulated so far.
func drainReplies(t *testing.T, out *bytes.Buffer) []proto.Message {
	t.Helper()

	var replies []proto.Message
	for out.Len() > 0 {
		var prefix [2]byte
		if _, err := out.Read(prefix[:]); err != nil {
			t.Fatalf("read length prefix: %v", err)
		}
		payload := make([]byte, binary.LittleEndian.Uint16(prefix[:]))
		if _, err := out.Read(payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
		msg, err := proto.DecodePayload(payload)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		replies = append(replies, msg)
	}
	return replies
}

func expectReplies(t *testing.T, out *bytes.Buffer, kinds ...string) []proto.Message {
	t.Helper()

	replies := drainReplies(t, out)
	if len(replies) != len(kinds) {
		t.Fatalf("got %d replies, want %d (%v)", len(replies), len(kinds), replies)
	}
	for i, kind := range kinds {
		if replies[i].Kind() != kind {
			t.Fatalf("reply %d: got %s, want %s", i, replies[i].Kind(), kind)
		}
	}
	return replies
}

func singleDriveConfig() proto.SetConfig {
	return proto.SetConfig{
		ParallelMode: proto.ParallelCollapse,
		Movement:     true,
		DriveCount:   1,
		Tracks:       map[uint16]map[uint8][]uint8{1: {1: {0}}},
	}
}

func connectAndConfigure(t *testing.T, eng *Engine, out *bytes.Buffer) {
	t.Helper()

	if err := deliver(t, eng, proto.Hello{}); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	expectReplies(t, out, "HelloAck")

	if err := deliver(t, eng, singleDriveConfig()); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	expectReplies(t, out, "SetConfigAck", "Ready")
}

func TestHappyPathScenario(t *testing.T) {
	eng, out, alarm := newTestEngine()

	connectAndConfigure(t, eng, out)
	if eng.State() != PlayingMidiStream {
		t.Fatalf("state = %s, want PlayingMidiStream", eng.State())
	}
	if len(alarm.delays) != 1 || alarm.delays[0] != TickPeriodMicros {
		t.Fatalf("scheduler not armed after configuration: %v", alarm.delays)
	}

	err := deliver(t, eng, proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOn{Note: 60, Velocity: 100}})
	if err != nil {
		t.Fatalf("NoteOn: %v", err)
	}
	expectReplies(t, out, "MidiEventAck")

	drive := eng.drives[0]
	if !drive.Sounding() {
		t.Fatal("drive 0 should be sounding note 60")
	}

	// Over 200 ticks, note 60 (96 half-ticks) toggles on ticks 97 and 193:
	// one arm tick, then one toggle per half period.
	h := int(NewNote(60).HalfTicks())
	last := drive.step
	var toggleTicks []int
	for i := 1; i <= 200; i++ {
		eng.TimerInterrupt()
		if drive.step != last {
			toggleTicks = append(toggleTicks, i)
			last = drive.step
		}
		if pos := drive.Position(); pos < MinPositionMovement || pos > MaxPositionMovement {
			t.Fatalf("tick %d: position %d outside movement bounds", i, pos)
		}
	}
	if len(toggleTicks) != 2 {
		t.Fatalf("step toggled %d times in 200 ticks, want 2 (at %v)", len(toggleTicks), toggleTicks)
	}
	if toggleTicks[1]-toggleTicks[0] != h {
		t.Errorf("toggle spacing = %d ticks, want %d", toggleTicks[1]-toggleTicks[0], h)
	}

	if err := deliver(t, eng, proto.End{}); err != nil {
		t.Fatalf("End: %v", err)
	}
	expectReplies(t, out, "EndAck")
	if eng.State() != WaitingForHello {
		t.Errorf("state after End = %s, want WaitingForHello", eng.State())
	}
	if drive.Sounding() {
		t.Error("End must clear all notes")
	}
}

func TestNoteOffAndZeroVelocityClear(t *testing.T) {
	eng, out, _ := newTestEngine()
	connectAndConfigure(t, eng, out)

	on := proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOn{Note: 60, Velocity: 100}}
	offZeroVel := proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOn{Note: 60, Velocity: 0}}
	off := proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOff{Note: 60}}

	for _, clear := range []proto.MidiEvent{offZeroVel, off} {
		if err := deliver(t, eng, on); err != nil {
			t.Fatal(err)
		}
		if !eng.drives[0].Sounding() {
			t.Fatal("note did not start")
		}
		if err := deliver(t, eng, clear); err != nil {
			t.Fatal(err)
		}
		if eng.drives[0].Sounding() {
			t.Fatalf("%s did not clear the note", clear.Message.Kind())
		}
	}
	expectReplies(t, out, "MidiEventAck", "MidiEventAck", "MidiEventAck", "MidiEventAck")
}

func TestUnroutedEventIsAckedAndIgnored(t *testing.T) {
	eng, out, _ := newTestEngine()
	connectAndConfigure(t, eng, out)

	err := deliver(t, eng, proto.MidiEvent{Track: 9, Channel: 9, Message: proto.NoteOn{Note: 60, Velocity: 100}})
	if err != nil {
		t.Fatalf("unrouted event must not be fatal: %v", err)
	}
	expectReplies(t, out, "MidiEventAck")
}

func TestDesyncScenario(t *testing.T) {
	eng, out, _ := newTestEngine()

	err := deliver(t, eng, proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOn{Note: 60, Velocity: 100}})
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("MidiEvent in WaitingForHello = %v, want ErrDesync", err)
	}
	expectReplies(t, out, "Error")

	// The halt is final: even a legal message is refused.
	if err := deliver(t, eng, proto.Hello{}); !errors.Is(err, ErrHalted) {
		t.Fatalf("after halt = %v, want ErrHalted", err)
	}
}

func TestConfigBoundViolationIsFatal(t *testing.T) {
	eng, out, _ := newTestEngine()

	if err := deliver(t, eng, proto.Hello{}); err != nil {
		t.Fatal(err)
	}
	expectReplies(t, out, "HelloAck")

	cfg := singleDriveConfig()
	cfg.Tracks[1][1] = []uint8{1} // index 1 with a single-drive roster

	err := deliver(t, eng, cfg)
	if !errors.Is(err, ErrBadConfig) {
		t.Fatalf("out-of-range routing = %v, want ErrBadConfig", err)
	}
	expectReplies(t, out, "Error")
}

func TestUnimplementedMessageIsFatal(t *testing.T) {
	eng, out, _ := newTestEngine()
	connectAndConfigure(t, eng, out)

	err := deliver(t, eng, proto.MidiEvent{Track: 1, Channel: 1, Message: proto.ProgramChange{Program: 5}})
	if !errors.Is(err, ErrUnimplemented) {
		t.Fatalf("ProgramChange = %v, want ErrUnimplemented", err)
	}
	expectReplies(t, out, "Error")
}

func TestHelloDuringSessionSoftResets(t *testing.T) {
	eng, out, _ := newTestEngine()
	connectAndConfigure(t, eng, out)

	err := deliver(t, eng, proto.MidiEvent{Track: 1, Channel: 1, Message: proto.NoteOn{Note: 60, Velocity: 100}})
	if err != nil {
		t.Fatal(err)
	}
	expectReplies(t, out, "MidiEventAck")

	// A host restart shows up as a Hello mid-stream: implicit End plus a
	// fresh handshake, never a fatal error.
	if err := deliver(t, eng, proto.Hello{}); err != nil {
		t.Fatalf("mid-session Hello = %v, want soft reset", err)
	}
	expectReplies(t, out, "HelloAck")

	if eng.State() != WaitingForSetConfig {
		t.Errorf("state = %s, want WaitingForSetConfig", eng.State())
	}
	if eng.drives[0].Sounding() {
		t.Error("soft reset must silence all drives")
	}
	if eng.tickEnabled {
		t.Error("soft reset must mask the tick interrupt")
	}
}

func TestTimerInterruptIsNoopWhileMasked(t *testing.T) {
	eng, _, alarm := newTestEngine()

	eng.TimerInterrupt()
	if len(alarm.delays) != 0 {
		t.Errorf("masked timer interrupt re-armed the alarm: %v", alarm.delays)
	}
}
