package host

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/wowkster/floppier/proto"
)

// ResponseTimeout bounds how long the host waits for the device to answer a
// request. The device has no timeout of its own; a hung device only comes
// back with a physical reset, so waiting longer than this is pointless.
const ResponseTimeout = 10 * time.Second

// Client runs the request/response protocol over a serial port. Every
// message the host sends must be acknowledged before the next one goes out;
// the device treats anything else as a desync.
type Client struct {
	port  serial.Port
	reasm proto.Reassembler
}

// OpenClient opens the named serial device at the given baud rate.
func OpenClient(portName string, baudRate int) (*Client, error) {
	mode := &serial.Mode{BaudRate: baudRate}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %q at %d baud: %w", portName, baudRate, err)
	}
	logger.Info("serial: port opened", "device", portName, "baud", baudRate)
	return &Client{port: port}, nil
}

// NewClient wraps an already-open port; used by tests and the simulator.
func NewClient(port serial.Port) *Client {
	return &Client{port: port}
}

// Close closes the underlying serial port.
func (c *Client) Close() {
	_ = c.port.Close()
}

// Send frames and writes one message.
func (c *Client) Send(msg proto.Message) error {
	logger.Debug("send", "kind", msg.Kind())
	return proto.Send(c.port, msg)
}

// Receive blocks until a full message arrives or the response timeout
// expires. A device-side Error message is surfaced as a Go error: the
// device has halted and the session is over.
func (c *Client) Receive() (proto.Message, error) {
	deadline := time.Now().Add(ResponseTimeout)
	buf := make([]byte, proto.MaxChunk)

	if err := c.port.SetReadTimeout(100 * time.Millisecond); err != nil {
		return nil, fmt.Errorf("serial: set read timeout: %w", err)
	}

	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("serial: read: %w", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timed out waiting for device response")
			}
			continue
		}

		if err := c.reasm.Feed(buf[:n]); err != nil {
			return nil, err
		}
		msg, ok, err := c.reasm.Take()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		logger.Debug("receive", "kind", msg.Kind())
		if e, isErr := msg.(proto.Error); isErr {
			return nil, fmt.Errorf("device reported fatal error: %s", e.Text)
		}
		return msg, nil
	}
}

// roundTrip sends a request and verifies the device answers with the
// expected acknowledgement.
func (c *Client) roundTrip(req proto.Message, wantKind string) error {
	if err := c.Send(req); err != nil {
		return err
	}
	resp, err := c.Receive()
	if err != nil {
		return err
	}
	if resp.Kind() != wantKind {
		return fmt.Errorf("expected %s from device, got %s", wantKind, resp.Kind())
	}
	return nil
}

// Connect performs the Hello handshake.
func (c *Client) Connect() error {
	return c.roundTrip(proto.Hello{}, "HelloAck")
}

// Configure sends the device configuration and waits for both the
// acknowledgement and the post-homing Ready.
func (c *Client) Configure(cfg proto.SetConfig) error {
	if err := c.roundTrip(cfg, "SetConfigAck"); err != nil {
		return err
	}

	logger.Info("waiting for device to finish homing")
	resp, err := c.Receive()
	if err != nil {
		return err
	}
	if resp.Kind() != "Ready" {
		return fmt.Errorf("expected Ready from device, got %s", resp.Kind())
	}
	return nil
}

// SendEvent streams one note event and waits for its acknowledgement.
func (c *Client) SendEvent(ev proto.MidiEvent) error {
	return c.roundTrip(ev, "MidiEventAck")
}

// End terminates the session, returning the device to its idle state.
func (c *Client) End() error {
	return c.roundTrip(proto.End{}, "EndAck")
}

// Play streams a parsed MIDI file in real time: each event is delayed by
// its delta from the previous one, converted to wall-clock time at the
// file's tempo.
func (c *Client) Play(file *MidiFile) error {
	var lastTick uint32

	for _, event := range file.Events {
		delta := event.TimeOffset - lastTick
		lastTick = event.TimeOffset

		if delta > 0 {
			micros := TicksToMicroseconds(delta, file.TicksPerBeat, file.BeatsPerMinute)
			time.Sleep(time.Duration(micros) * time.Microsecond)
		}

		err := c.SendEvent(proto.MidiEvent{
			Track:   event.Track,
			Channel: event.Channel,
			Message: event.Message,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
