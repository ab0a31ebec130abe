// Command floppier-server plays a song configuration (or a live MIDI
// controller) to a floppier device over a serial port.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/wowkster/floppier/host"
)

// logger is the package-wide structured logger. Safe to use before
// initLogger is called; defaults to slog.Default().
var logger = slog.Default()

// initLogger configures the shared slog logger and calls slog.SetDefault so
// the stdlib log package also routes through the same handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
	host.SetLogger(logger)
}

func main() {
	var (
		configPath string
		serialPort string
		baudRate   int
		verbose    bool
		debug      bool
		live       bool
		liveTrack  uint16
		liveChan   uint8
	)

	pflag.StringVarP(&configPath, "path", "p", "", "path to the song configuration file")
	pflag.StringVarP(&serialPort, "serial-port", "s", "/dev/ttyUSB0", "serial port device")
	pflag.IntVarP(&baudRate, "baud-rate", "b", 115_200, "serial baud rate")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "dump parsed configuration and MIDI data")
	pflag.BoolVar(&debug, "debug", false, "enable debug logging (adds source location)")
	pflag.BoolVar(&live, "live", false, "forward a live MIDI controller instead of playing the file")
	pflag.Uint16Var(&liveTrack, "live-track", 1, "routing track for live mode")
	pflag.Uint8Var(&liveChan, "live-channel", 1, "routing channel for live mode")
	pflag.Parse()

	initLogger(debug)

	if configPath == "" {
		logger.Error("no song configuration given, use --path")
		os.Exit(1)
	}

	config, err := host.ParseSongConfig(configPath)
	if err != nil {
		logger.Error("could not load song configuration", "path", configPath, "err", err)
		os.Exit(1)
	}
	if verbose {
		spew.Fdump(os.Stderr, config)
	}

	var midiFile *host.MidiFile
	if !live {
		midiFile, err = host.ParseMidiFile(config.Midi.Path)
		if err != nil {
			logger.Error("could not parse midi file", "path", config.Midi.Path, "err", err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("Parsed MIDI file")
		fmt.Println("================")
		fmt.Println(midiFile.Metadata)
		fmt.Printf("Tracks: %d, Events: %d\n", midiFile.NumTracks, len(midiFile.Events))
		fmt.Println()
	}

	pause("Press any key to start the serial connection...")

	listSerialPorts()

	client, err := host.OpenClient(serialPort, baudRate)
	if err != nil {
		logger.Error("could not open serial port", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	logger.Info("connecting to device")
	if err := client.Connect(); err != nil {
		logger.Error("handshake failed", "err", err)
		os.Exit(1)
	}

	logger.Info("configuring device", "drives", config.DriveCount(), "movement", config.Movement)
	if err := client.Configure(config.SetConfigMessage()); err != nil {
		logger.Error("configuration failed", "err", err)
		os.Exit(1)
	}
	logger.Info("device ready")

	if live {
		runLive(client, liveTrack, liveChan)
	} else {
		pause("Press any key to play the track...")

		if err := client.Play(midiFile); err != nil {
			logger.Error("playback failed", "err", err)
			os.Exit(1)
		}
	}

	if err := client.End(); err != nil {
		logger.Error("session teardown failed", "err", err)
		os.Exit(1)
	}
	logger.Info("done")
}

func runLive(client *host.Client, track uint16, channel uint8) {
	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	logger.Info("live mode, interrupt to stop", "track", track, "channel", channel)
	if err := client.PlayLive(track, channel, stop); err != nil {
		logger.Error("live session failed", "err", err)
		os.Exit(1)
	}
}

func listSerialPorts() {
	ports, err := serial.GetPortsList()
	if err != nil {
		logger.Warn("could not enumerate serial ports", "err", err)
		return
	}
	fmt.Println()
	fmt.Println("Available serial ports")
	fmt.Println("======================")
	for _, p := range ports {
		fmt.Println(p)
	}
	fmt.Println()
}

// pause prints a prompt and waits for a single keypress in raw mode. When
// stdin is not a terminal (scripts, CI) it returns immediately.
func pause(message string) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}

	fmt.Println(message)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	_, _ = os.Stdin.Read(buf)
}
