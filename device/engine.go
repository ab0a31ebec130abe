package device

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wowkster/floppier/proto"
)

// Fatal error taxonomy. All of these halt the device: continuing after any
// of them risks driving hardware from inconsistent state, and recovering
// actuator position after a partial failure is riskier than a full stop.
var (
	// ErrDesync means a message arrived outside its legal state; the two
	// endpoints have lost lock-step.
	ErrDesync = errors.New("device: protocol desync")

	// ErrBadConfig means a routing entry referenced a drive index at or
	// beyond the configured drive count.
	ErrBadConfig = errors.New("device: configuration out of bounds")

	// ErrUnimplemented marks the MIDI message subtypes the device does not
	// support. Failing loudly here is deliberate: silently mis-routing
	// notes is worse than a visible stop.
	ErrUnimplemented = errors.New("device: unimplemented midi message")

	// ErrHalted is returned for any traffic after a fatal error.
	ErrHalted = errors.New("device: halted")
)

// Sleeper provides the fixed-duration pauses of the homing sequence. On
// hardware this is a busy-wait delay; in tests it is a no-op.
type Sleeper interface {
	SleepMillis(n int)
}

// State is the connection state of the single process-wide session.
type State uint8

const (
	WaitingForHello State = iota
	WaitingForSetConfig
	PlayingMidiStream
)

func (s State) String() string {
	switch s {
	case WaitingForHello:
		return "WaitingForHello"
	case WaitingForSetConfig:
		return "WaitingForSetConfig"
	case PlayingMidiStream:
		return "PlayingMidiStream"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type routeKey struct {
	track   uint16
	channel uint8
}

// Engine is the device runtime: it owns the connection state machine, the
// drive roster, the routing table and the hardware handles, and exposes the
// two interrupt entry points the platform wires up.
//
// Both entry points serialize through one critical section, mirroring the
// interrupt-masking discipline of the hardware: neither path ever observes
// a partial update from the other, and configuration (including the homing
// sequence) completes before the tick path can run again.
type Engine struct {
	mu sync.Mutex

	out   io.Writer
	sr    *SN74HC595
	sched *Scheduler
	sleep Sleeper

	reasm proto.Reassembler
	state State

	parallelMode proto.ParallelMode
	drives       []*FloppyDrive
	routes       map[routeKey][]uint8

	tickEnabled bool
	halted      bool
	fatalErr    error
}

// NewEngine wires the runtime to its transport writer and hardware handles.
func NewEngine(out io.Writer, sr *SN74HC595, sched *Scheduler, sleep Sleeper) *Engine {
	return &Engine{
		out:   out,
		sr:    sr,
		sched: sched,
		sleep: sleep,
		state: WaitingForHello,
	}
}

// TransportInterrupt services one transport-data-ready interrupt: it feeds
// the received chunk into the reassembler and dispatches a completed
// message, all inside the critical section.
//
// A non-nil return is fatal. The engine has already reported the error to
// the host where possible and refuses further traffic; only a physical
// reset recovers the device.
func (e *Engine) TransportInterrupt(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return ErrHalted
	}

	if err := e.reasm.Feed(chunk); err != nil {
		return e.fail(err)
	}

	msg, ok, err := e.reasm.Take()
	if err != nil {
		return e.fail(err)
	}
	if !ok {
		return nil
	}

	return e.dispatch(msg)
}

// TimerInterrupt services one tick-period-elapsed interrupt. It does
// nothing while the scheduler is masked.
func (e *Engine) TimerInterrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted || !e.tickEnabled {
		return
	}
	e.sched.Tick(e.drives)
}

func (e *Engine) dispatch(msg proto.Message) error {
	logger.Debug("message received", "kind", msg.Kind(), "state", e.state.String())

	switch m := msg.(type) {
	case proto.Hello:
		if e.state != WaitingForHello {
			// The host restarted without the device rebooting. Treat the
			// Hello as an implicit End followed by a fresh handshake.
			logger.Warn("hello during active session, resetting", "state", e.state.String())
			e.stopStream()
		}
		logger.Info("connected to host")
		e.send(proto.HelloAck{})
		e.state = WaitingForSetConfig
		return nil

	case proto.SetConfig:
		if e.state != WaitingForSetConfig {
			return e.desync(m)
		}
		if err := e.applyConfig(m); err != nil {
			return e.fail(err)
		}
		e.send(proto.SetConfigAck{})

		// The tick interrupt stays masked until the heads are physically
		// homed, so the scheduler never samples a roster mid-construction.
		e.home()
		e.send(proto.Ready{})

		e.state = PlayingMidiStream
		e.tickEnabled = true
		e.sched.Start()
		logger.Info("configured", "drives", len(e.drives), "routes", len(e.routes), "parallel_mode", string(e.parallelMode))
		return nil

	case proto.MidiEvent:
		if e.state != PlayingMidiStream {
			return e.desync(m)
		}
		if err := e.routeEvent(m); err != nil {
			return e.fail(err)
		}
		e.send(proto.MidiEventAck{})
		return nil

	case proto.End:
		if e.state != PlayingMidiStream {
			return e.desync(m)
		}
		e.stopStream()
		e.send(proto.EndAck{})
		e.state = WaitingForHello
		logger.Info("stream ended")
		return nil

	default:
		return e.desync(msg)
	}
}

// applyConfig rebuilds the drive roster and the routing table wholesale.
// Bounds are checked before any drive is constructed, so a bad configuration
// is rejected before any hardware motion occurs.
func (e *Engine) applyConfig(cfg proto.SetConfig) error {
	for trackNum, channels := range cfg.Tracks {
		for channelNum, ports := range channels {
			for _, port := range ports {
				if port >= cfg.DriveCount {
					return fmt.Errorf("%w: track %d channel %d references drive %d of %d",
						ErrBadConfig, trackNum, channelNum, port, cfg.DriveCount)
				}
			}
		}
	}

	e.parallelMode = cfg.ParallelMode

	e.drives = make([]*FloppyDrive, cfg.DriveCount)
	for i := range e.drives {
		e.drives[i] = NewFloppyDrive(cfg.Movement)
	}

	e.routes = make(map[routeKey][]uint8)
	for trackNum, channels := range cfg.Tracks {
		for channelNum, ports := range channels {
			key := routeKey{track: trackNum, channel: channelNum}
			e.routes[key] = append([]uint8(nil), ports...)
		}
	}
	return nil
}

func (e *Engine) routeEvent(ev proto.MidiEvent) error {
	ports, ok := e.routes[routeKey{track: ev.Track, channel: ev.Channel}]
	if !ok {
		logger.Warn("no drives for event", "track", ev.Track, "channel", ev.Channel)
		return nil
	}

	switch m := ev.Message.(type) {
	case proto.NoteOn:
		for _, port := range ports {
			if m.Velocity > 0 {
				e.drives[port].SetNote(NewNote(m.Note))
			} else {
				e.drives[port].ClearNote()
			}
		}
	case proto.NoteOff:
		for _, port := range ports {
			e.drives[port].ClearNote()
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, ev.Message.Kind())
	}
	return nil
}

// home walks every head back to track zero, then out to the lower bound of
// the configured amplitude mode. It runs with the tick interrupt masked and
// uses real-time pauses: the stepper needs 3 ms per half-pulse when moving
// without a resonant drive signal.
func (e *Engine) home() {
	logger.Info("homing drives", "count", len(e.drives))

	e.sr.SetOutputEnabled(true)

	st := DriveState{Select: true, Step: false, Direction: Reverse}
	e.writeAll(st.Pack())
	e.sleep.SleepMillis(1)

	for i := 0; i < NumTracks; i++ {
		st.Step = true
		e.writeAll(st.Pack())
		e.sleep.SleepMillis(3)

		st.Step = false
		e.writeAll(st.Pack())
		e.sleep.SleepMillis(3)
	}

	// Walk out to the mode's lower bound so the bounce window starts valid.
	st.Direction = Forward
	var lower int
	if len(e.drives) > 0 {
		min, _ := e.drives[0].bounds()
		lower = int(min)
	}
	for i := 0; i < lower; i++ {
		st.Step = !st.Step
		e.writeAll(st.Pack())
		e.sleep.SleepMillis(3)
	}

	st = DriveState{Select: false, Step: false, Direction: Forward}
	e.writeAll(st.Pack())

	for _, d := range e.drives {
		d.Home()
	}

	logger.Info("drives homed")
}

// writeAll shifts the same state byte to every chain position and latches.
func (e *Engine) writeAll(b byte) {
	for range e.drives {
		e.sr.Write(b)
	}
	e.sr.Latch()
}

// stopStream masks the tick interrupt, silences every drive and disables
// the register outputs, leaving a clean baseline for the next session.
func (e *Engine) stopStream() {
	e.tickEnabled = false
	for _, d := range e.drives {
		d.ClearNote()
	}
	e.sr.SetOutputEnabled(false)
}

func (e *Engine) desync(msg proto.Message) error {
	err := fmt.Errorf("%w: unexpected %s packet in state %s", ErrDesync, msg.Kind(), e.state.String())
	return e.fail(err)
}

// fail reports the error to the host where possible and halts the engine.
// There is no soft-restart path after this.
func (e *Engine) fail(err error) error {
	logger.Error("fatal error, halting", "err", err)
	e.send(proto.Error{Text: err.Error()})
	e.tickEnabled = false
	e.halted = true
	e.fatalErr = err
	return err
}

// send writes a device-to-host message, best effort. The host enforces its
// own response timeout; a failed write here will surface there.
func (e *Engine) send(msg proto.Message) {
	if err := proto.Send(e.out, msg); err != nil {
		logger.Warn("send failed", "kind", msg.Kind(), "err", err)
	}
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the fatal error after a halt, or nil while running.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}
