// Command floppier-sim runs the device engine against a real serial port
// with simulated hardware pins, emulating the two-interrupt execution model
// of the microcontroller. It lets the server side be exercised end to end
// (over a pty pair or a null-modem cable) without drive hardware attached.
package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.bug.st/serial"

	"github.com/wowkster/floppier/device"
	"github.com/wowkster/floppier/proto"
)

var logger = slog.Default()

func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
	device.SetLogger(logger)
}

// simPin swallows pin writes; the simulator has no electrical outputs.
type simPin struct{}

func (simPin) Set(bool) {}

// wallClock provides microsecond timestamps from the monotonic clock.
type wallClock struct {
	start time.Time
}

func (c *wallClock) NowMicros() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// timerAlarm emulates the hardware tick alarm with the Go timer wheel. The
// achievable resolution is far coarser than the real 20 us alarm, which is
// fine for protocol-level simulation.
type timerAlarm struct {
	fire func()
}

func (a *timerAlarm) Schedule(delayMicros uint64) {
	time.AfterFunc(time.Duration(delayMicros)*time.Microsecond, a.fire)
}

// realSleeper implements the homing pauses with the OS clock.
type realSleeper struct{}

func (realSleeper) SleepMillis(n int) { time.Sleep(time.Duration(n) * time.Millisecond) }

func main() {
	var (
		serialPort string
		baudRate   int
		debug      bool
	)

	pflag.StringVarP(&serialPort, "serial-port", "s", "/dev/ttyUSB0", "serial port device")
	pflag.IntVarP(&baudRate, "baud-rate", "b", 115_200, "serial baud rate")
	pflag.BoolVar(&debug, "debug", false, "enable debug logging")
	pflag.Parse()

	initLogger(debug)

	port, err := serial.Open(serialPort, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		logger.Error("could not open serial port", "device", serialPort, "err", err)
		os.Exit(1)
	}
	defer port.Close()

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		logger.Error("could not set read timeout", "err", err)
		os.Exit(1)
	}

	bus := device.Bus{
		Data:         simPin{},
		Clock:        simPin{},
		StorageClock: simPin{},
		OutputEnable: simPin{},
	}
	sr := device.NewSN74HC595(bus, nil)

	alarm := &timerAlarm{}
	sched := device.NewScheduler(&wallClock{start: time.Now()}, alarm, sr)
	engine := device.NewEngine(port, sr, sched, realSleeper{})
	alarm.fire = engine.TimerInterrupt

	logger.Info("floppier device simulator listening", "device", serialPort, "baud", baudRate)

	// The read loop plays the role of the transport interrupt: every chunk
	// the port delivers is handed to the engine, bounded at the same chunk
	// size the real transport uses.
	buf := make([]byte, proto.MaxChunk)
	for {
		n, err := port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("serial port closed")
				return
			}
			logger.Error("serial read failed", "err", err)
			os.Exit(1)
		}
		if n == 0 {
			continue
		}

		if err := engine.TransportInterrupt(buf[:n]); err != nil {
			// The engine has already reported the error to the host and
			// refuses further traffic; exit like the hardware halting.
			logger.Error("engine halted", "err", err)
			os.Exit(1)
		}
	}
}
