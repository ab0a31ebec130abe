package device

// Pin drives a single digital output line.
type Pin interface {
	Set(high bool)
}

// Bus is the four-line interface to the daisy-chained shift-register
// network: serial data, serial clock, storage clock (latch), and the
// active-low output enable.
type Bus struct {
	Data         Pin
	Clock        Pin
	StorageClock Pin
	OutputEnable Pin
}

// SN74HC595 serializes one byte per drive onto the shift-register chain.
// Bits are shifted most-significant-bit first and made visible on the
// outputs only when latched, so partially-shifted states never reach the
// actuators.
//
// The hold callback runs between line transitions to satisfy the register's
// minimum setup/hold times. The required margins are a hardware contract;
// how they are met (busy loops, PIO cycles) belongs to the platform.
//
// Datasheet: https://www.ti.com/lit/ds/symlink/sn74hc595.pdf
type SN74HC595 struct {
	bus  Bus
	hold func()
}

// NewSN74HC595 wires the serializer to its bus. hold may be nil when the
// platform's pin writes are slow enough on their own.
func NewSN74HC595(bus Bus, hold func()) *SN74HC595 {
	bus.OutputEnable.Set(true) // outputs disabled until explicitly enabled
	bus.Clock.Set(false)
	bus.StorageClock.Set(false)
	return &SN74HC595{bus: bus, hold: hold}
}

// SetOutputEnabled gates all register outputs as a single operation. The
// underlying line is active low.
func (s *SN74HC595) SetOutputEnabled(enabled bool) {
	s.bus.OutputEnable.Set(!enabled)
}

// Write shifts one packed drive byte into the chain. The byte is mirrored
// here because the physical actuator wiring reads the chain in the reverse
// of the logical DriveState bit order.
func (s *SN74HC595) Write(b byte) {
	b = reverseByte(b)
	for i := 7; i >= 0; i-- {
		s.bus.Data.Set(b&(1<<i) != 0)
		s.wait()
		s.bus.Clock.Set(true)
		s.wait()
		s.bus.Clock.Set(false)
	}
}

// Latch pulses the storage clock, making the shifted bits appear on every
// output simultaneously.
func (s *SN74HC595) Latch() {
	s.bus.StorageClock.Set(true)
	s.wait()
	s.bus.StorageClock.Set(false)
}

func (s *SN74HC595) wait() {
	if s.hold != nil {
		s.hold()
	}
}
