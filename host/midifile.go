package host

import (
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/wowkster/floppier/proto"
)

// AbsoluteMidiEvent is one note event with its time offset absolutized from
// the SMF delta encoding.
type AbsoluteMidiEvent struct {
	TimeOffset uint32 // absolute time in MIDI ticks
	Track      uint16
	Channel    uint8
	Message    proto.MidiMessage
}

// MidiFile is a parsed Standard MIDI File reduced to what the device
// protocol can carry: tempo information plus a time-ordered stream of note
// events.
type MidiFile struct {
	Metadata       MidiMetadata
	TicksPerBeat   uint16
	BeatsPerMinute float64
	NumTracks      uint16
	Events         []AbsoluteMidiEvent
}

// MidiMetadata is the descriptive content of the metadata track.
type MidiMetadata struct {
	TrackName string
	Text      []string
	Copyright []string
	BPM       float64
	Meter     string // e.g. "4/4"
}

func (m MidiMetadata) String() string {
	var b strings.Builder
	if m.TrackName != "" {
		fmt.Fprintf(&b, "Track Name: %s\n", m.TrackName)
	}
	for _, txt := range m.Text {
		fmt.Fprintf(&b, "Text: %s\n", txt)
	}
	for _, txt := range m.Copyright {
		fmt.Fprintf(&b, "Copyright: %s\n", txt)
	}
	fmt.Fprintf(&b, "Tempo: %.1f bpm\n", m.BPM)
	if m.Meter != "" {
		fmt.Fprintf(&b, "Time Signature: %s", m.Meter)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseMidiFile reads an SMF file and flattens it into a single
// time-ordered event stream. Only metrical timing is supported. Track 0 is
// treated as the metadata track; data tracks are numbered from 1, matching
// the routing table convention.
func ParseMidiFile(path string) (*MidiFile, error) {
	s, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read midi file %q: %w", path, err)
	}

	metric, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("midi file %q: only metrical timing is supported, got %s", path, s.TimeFormat)
	}
	ticksPerBeat := metric.Resolution()

	// Default is 120 bpm (500000 us per beat) when no tempo event exists.
	bpm := 120.0
	if changes := s.TempoChanges(); len(changes) > 0 {
		bpm = changes[0].BPM
	}

	if len(s.Tracks) == 0 {
		return nil, fmt.Errorf("midi file %q has no tracks", path)
	}

	metadata := parseTrackMetadata(s.Tracks[0])
	metadata.BPM = bpm

	// A single-track file carries its data on the metadata track; otherwise
	// every track after the metadata track is a data track.
	var events []AbsoluteMidiEvent
	var numTracks uint16
	if len(s.Tracks) == 1 {
		events = absolutizeTrack(s.Tracks[0], 1)
		numTracks = 1
	} else {
		for i, track := range s.Tracks[1:] {
			events = append(events, absolutizeTrack(track, uint16(i+1))...)
		}
		numTracks = uint16(len(s.Tracks) - 1)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("midi file %q contains no note events", path)
	}

	sortEventsByOffset(events)

	return &MidiFile{
		Metadata:       metadata,
		TicksPerBeat:   ticksPerBeat,
		BeatsPerMinute: bpm,
		NumTracks:      numTracks,
		Events:         events,
	}, nil
}

func parseTrackMetadata(track smf.Track) MidiMetadata {
	var meta MidiMetadata

	for _, ev := range track {
		var (
			name string
			txt  string
			num  uint8
			den  uint8
		)
		switch {
		case ev.Message.GetMetaTrackName(&name):
			meta.TrackName = name
		case ev.Message.GetMetaText(&txt):
			meta.Text = append(meta.Text, txt)
		case ev.Message.GetMetaCopyright(&txt):
			meta.Copyright = append(meta.Copyright, txt)
		case ev.Message.GetMetaMeter(&num, &den):
			meta.Meter = fmt.Sprintf("%d/%d", num, den)
		}
	}
	return meta
}

// absolutizeTrack accumulates delta times into absolute offsets and keeps
// only the note messages the device protocol carries. Channel numbers are
// shifted up by one so channel 0 on the wire maps to channel 1 in routing
// tables, matching the numbering musicians use.
func absolutizeTrack(track smf.Track, trackNumber uint16) []AbsoluteMidiEvent {
	var absolute uint32
	events := make([]AbsoluteMidiEvent, 0, len(track))

	for _, ev := range track {
		absolute += ev.Delta

		var channel, key, velocity uint8
		var message proto.MidiMessage
		switch {
		case ev.Message.GetNoteOn(&channel, &key, &velocity):
			message = proto.NoteOn{Note: key, Velocity: velocity}
		case ev.Message.GetNoteOff(&channel, &key, &velocity):
			message = proto.NoteOff{Note: key, Velocity: velocity}
		default:
			if !ev.Message.IsMeta() {
				logger.Debug("unsupported midi message skipped", "track", trackNumber, "msg", ev.Message.String())
			}
			continue
		}

		events = append(events, AbsoluteMidiEvent{
			TimeOffset: absolute,
			Track:      trackNumber,
			Channel:    channel + 1,
			Message:    message,
		})
	}
	return events
}

// sortEventsByOffset is a stable insertion sort: events with equal offsets
// keep their track order, and most tracks are already nearly sorted.
func sortEventsByOffset(events []AbsoluteMidiEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].TimeOffset > events[j].TimeOffset; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}

// TicksToMicroseconds converts a MIDI tick count into wall-clock
// microseconds at the given resolution and tempo.
func TicksToMicroseconds(ticks uint32, ticksPerBeat uint16, beatsPerMinute float64) uint64 {
	beats := float64(ticks) / float64(ticksPerBeat)
	seconds := beats / beatsPerMinute * 60.0
	return uint64(seconds * 1_000_000)
}
