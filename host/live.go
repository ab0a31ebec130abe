package host

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/wowkster/floppier/proto"
)

// Live mode plays a connected MIDI controller straight to the device
// instead of a file: every NoteOn/NoteOff is forwarded on a fixed
// (track, channel) route.

// Ports matching these patterns are never auto-connected (virtual/system
// ports).
var excludedPortPatterns = []string{"Midi Through", "Through Port", "Dummy"}

const inputRescanInterval = time.Second

// InputWatcher monitors available MIDI inputs and maintains a connection to
// one, handling hot-plug and hot-unplug transparently.
//
// onNote runs on the listener goroutine for every NoteOn/NoteOff while a
// device is connected. onDisconnect runs (from a fresh goroutine) when the
// active input is lost; callers should silence all drives immediately.
type InputWatcher struct {
	mu           sync.Mutex
	drv          *rtmididrv.Driver
	inPort       drivers.In
	stopFn       func()
	connected    bool
	selectedName string
	lastRescanAt time.Time

	onNote       func(on bool, note, velocity uint8)
	onDisconnect func()
}

// NewInputWatcher creates a watcher over the rtmidi driver. Call Close when
// done.
func NewInputWatcher(onNote func(on bool, note, velocity uint8), onDisconnect func()) (*InputWatcher, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &InputWatcher{
		drv:          drv,
		onNote:       onNote,
		onDisconnect: onDisconnect,
	}, nil
}

// Close shuts down the active connection and the rtmidi driver.
func (w *InputWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConn()
	w.drv.Close()
}

// Tick should be called on a regular interval from the main loop. It scans
// for inputs, auto-connects when exactly one candidate exists, and detects
// disappearances.
func (w *InputWatcher) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < inputRescanInterval {
		return
	}
	w.lastRescanAt = now

	inputs := w.listInputs()

	if w.connected {
		for _, name := range inputs {
			if name == w.selectedName {
				return // still there
			}
		}
		logger.Warn("midi: input disappeared", "device", w.selectedName)
		w.closeConn()
		w.lastRescanAt = time.Time{} // rescan immediately next tick
		if w.onDisconnect != nil {
			go w.onDisconnect()
		}
		return
	}

	if len(inputs) != 1 {
		if len(inputs) > 1 {
			logger.Debug("midi: multiple inputs, not auto-connecting", "inputs", strings.Join(inputs, ", "))
		}
		return
	}
	if err := w.openByName(inputs[0]); err != nil {
		logger.Error("midi: connect failed", "device", inputs[0], "err", err)
	}
}

func (w *InputWatcher) listInputs() []string {
	ins, err := w.drv.Ins()
	if err != nil {
		logger.Error("midi: list inputs failed", "err", err)
		return nil
	}
	var names []string
	for _, in := range ins {
		name := in.String()
		excluded := false
		for _, pat := range excludedPortPatterns {
			if strings.Contains(strings.ToLower(name), strings.ToLower(pat)) {
				excluded = true
				break
			}
		}
		if !excluded {
			names = append(names, name)
		}
	}
	return names
}

func (w *InputWatcher) closeConn() {
	if w.stopFn != nil {
		w.stopFn()
		w.stopFn = nil
	}
	if w.inPort != nil {
		_ = w.inPort.Close()
		w.inPort = nil
	}
	w.connected = false
	w.selectedName = ""
}

func (w *InputWatcher) openByName(name string) error {
	ins, err := w.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		var ch, key, vel uint8
		if msg.GetNoteStart(&ch, &key, &vel) {
			w.onNote(true, key, vel)
		} else if msg.GetNoteEnd(&ch, &key) {
			w.onNote(false, key, 0)
		} else {
			logger.Debug("midi: unhandled message", "msg", msg.String())
		}
	}, midi.HandleError(func(listenErr error) {
		logger.Warn("midi: listener error", "device", name, "err", listenErr)
		// Must not tear the connection down from the listener goroutine
		// itself, so dispatch and re-acquire the mutex.
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.connected && w.selectedName == name {
				w.closeConn()
				w.lastRescanAt = time.Time{}
				if w.onDisconnect != nil {
					go w.onDisconnect()
				}
			}
		}()
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}

	w.inPort = found
	w.stopFn = stop
	w.connected = true
	w.selectedName = name
	logger.Info("midi: input connected", "device", name)
	return nil
}

// PlayLive forwards a controller to the device until stop is closed. The
// device must already be configured; events are routed to the given track
// and channel, which must exist in the configuration's routing table.
func (c *Client) PlayLive(track uint16, channel uint8, stop <-chan struct{}) error {
	var sendMu sync.Mutex

	forward := func(msg proto.MidiMessage) {
		sendMu.Lock()
		defer sendMu.Unlock()
		err := c.SendEvent(proto.MidiEvent{Track: track, Channel: channel, Message: msg})
		if err != nil {
			logger.Error("live: forward failed", "err", err)
		}
	}

	watcher, err := NewInputWatcher(
		func(on bool, note, velocity uint8) {
			if on {
				forward(proto.NoteOn{Note: note, Velocity: velocity})
			} else {
				forward(proto.NoteOff{Note: note, Velocity: 0})
			}
		},
		func() {
			// Input lost: silence everything rather than hold a stuck note.
			forward(proto.NoteOff{Note: 0, Velocity: 0})
		},
	)
	if err != nil {
		return err
	}
	defer watcher.Close()

	logger.Info("live: waiting for a midi input", "track", track, "channel", channel)

	ticker := time.NewTicker(inputRescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			watcher.Tick()
		case <-stop:
			return nil
		}
	}
}
