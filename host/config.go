package host

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/wowkster/floppier/proto"
)

// SongConfig is the TOML description of a song: which MIDI file to play and
// how its (track, channel) pairs map onto physical drive ports.
type SongConfig struct {
	Midi     MidiConfig    `toml:"midi"`
	Movement bool          `toml:"movement"`
	Tracks   []TrackConfig `toml:"tracks"`
}

// MidiConfig names the MIDI file and its play settings.
type MidiConfig struct {
	Path         string             `toml:"path"`
	ParallelMode proto.ParallelMode `toml:"parallel_mode"`
}

// TrackConfig routes one MIDI track.
type TrackConfig struct {
	Track    uint16          `toml:"track"`
	Channels []ChannelConfig `toml:"channels"`
}

// ChannelConfig routes one channel of a track to a set of drive ports.
type ChannelConfig struct {
	Channel uint8   `toml:"channel"`
	Ports   []uint8 `toml:"ports"`
}

// ParseSongConfig reads and validates a song configuration file.
func ParseSongConfig(path string) (*SongConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("song configuration file %q does not exist: %w", path, err)
	}

	var cfg SongConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse %q: %w", path, err)
	}

	if cfg.Midi.ParallelMode == "" {
		cfg.Midi.ParallelMode = proto.ParallelCollapse
	}
	switch cfg.Midi.ParallelMode {
	case proto.ParallelCollapse, proto.ParallelSynthesize, proto.ParallelDistribute:
	default:
		return nil, fmt.Errorf("unknown parallel_mode %q", cfg.Midi.ParallelMode)
	}

	if len(cfg.Tracks) == 0 {
		return nil, fmt.Errorf("song configuration routes no tracks")
	}
	for _, track := range cfg.Tracks {
		for _, channel := range track.Channels {
			if len(channel.Ports) == 0 {
				return nil, fmt.Errorf("track %d channel %d routes no ports", track.Track, channel.Channel)
			}
		}
	}

	return &cfg, nil
}

// DriveCount returns the number of drives the configuration requires: one
// past the highest routed port, since ports are chain indices.
func (c *SongConfig) DriveCount() uint8 {
	var max uint8
	for _, track := range c.Tracks {
		for _, channel := range track.Channels {
			for _, port := range channel.Ports {
				if port >= max {
					max = port + 1
				}
			}
		}
	}
	return max
}

// SetConfigMessage builds the wire configuration sent to the device.
func (c *SongConfig) SetConfigMessage() proto.SetConfig {
	tracks := make(map[uint16]map[uint8][]uint8, len(c.Tracks))
	for _, track := range c.Tracks {
		channels := make(map[uint8][]uint8, len(track.Channels))
		for _, channel := range track.Channels {
			channels[channel.Channel] = append([]uint8(nil), channel.Ports...)
		}
		tracks[track.Track] = channels
	}

	return proto.SetConfig{
		ParallelMode: c.Midi.ParallelMode,
		Movement:     c.Movement,
		DriveCount:   c.DriveCount(),
		Tracks:       tracks,
	}
}
