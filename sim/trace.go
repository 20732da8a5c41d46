package sim

import (
	"fmt"
	"strings"
)

type EventKind int

const (
	EventStart EventKind = iota
	EventRepeatedStart
	// EventWrite is a byte sent by the master.
	EventWrite
	// EventRead is a byte sent by the device, Ack being the master's answer.
	EventRead
	EventStop
	EventCollision
	EventOverflow
)

type Event struct {
	Kind  EventKind
	Value byte
	Ack   bool
}

func (e Event) String() string {
	switch e.Kind {
	case EventStart:
		return "S"
	case EventRepeatedStart:
		return "Sr"
	case EventWrite:
		return fmt.Sprintf("W%02x%s", e.Value, ackMark(e.Ack))
	case EventRead:
		return fmt.Sprintf("R%02x%s", e.Value, ackMark(e.Ack))
	case EventStop:
		return "P"
	case EventCollision:
		return "BCL"
	case EventOverflow:
		return "OV"
	default:
		return "?"
	}
}

func ackMark(ack bool) string {
	if ack {
		return "+"
	}
	return "-"
}

// Format renders events the way a logic analyzer would list them, e.g.
// "S Wa0+ W00+ W40+ P".
func Format(events []Event) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = e.String()
	}
	return strings.Join(parts, " ")
}

// Frames splits events at every STOP, dropping the STOP itself.
func Frames(events []Event) [][]Event {
	var frames [][]Event
	var current []Event
	for _, e := range events {
		if e.Kind == EventStop {
			frames = append(frames, current)
			current = nil
			continue
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		frames = append(frames, current)
	}
	return frames
}

// Written returns the data bytes of a write frame, skipping the address
// byte and the two memory address bytes.
func Written(frame []Event) []byte {
	var out []byte
	pos := 0
	for _, e := range frame {
		if e.Kind != EventWrite {
			continue
		}
		if pos >= 3 {
			out = append(out, e.Value)
		}
		pos++
	}
	return out
}
