// Package alarm holds the alarm panel event carried on the /alarm stream.
package alarm

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Event is one alarm panel state snapshot as published by a home's panel
// bridge. Field names match the wire format.
//
// Decoding keeps the raw line so that re-encoding reproduces exactly what the
// panel sent, including fields this type does not know about.
type Event struct {
	Time               Timestamp
	ACPower            bool
	AlarmHasOccured    bool
	AlarmSounding      bool
	ArmedAway          bool
	ArmedHome          bool
	BacklightOn        bool
	BatteryLow         bool
	Beeps              int
	ChimeEnabled       bool
	EntryDelayDisabled bool
	Fire               bool
	KeypadMessage      string
	Mode               string
	PerimeterOnly      bool
	ProgrammingMode    bool
	RawData            string
	Ready              bool
	SystemIssue        bool
	UnparsedMessage    string
	Zone               string
	ZoneBypassed       bool

	raw json.RawMessage
}

// fields has the same layout as Event without the custom codec methods.
type fields Event

func (e *Event) UnmarshalJSON(b []byte) error {
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		// A known field with an unexpected type is not a reason to drop
		// the event; the raw line still carries the original value.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || typeErr.Field == "" {
			return err
		}
	}
	*e = Event(f)
	e.raw = bytes.Clone(b)
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(fields(e))
}

// Raw returns the line the event was decoded from, or nil for events built
// in memory.
func (e Event) Raw() json.RawMessage { return e.raw }

// IsHighPriority reports whether the event is an active alarm or fire.
func (e Event) IsHighPriority() bool {
	return e.AlarmSounding || e.Fire
}

// ShouldNotify reports whether the event deserves the user's attention.
func (e Event) ShouldNotify() bool {
	return e.Beeps > 0 || e.IsHighPriority()
}

// Title is a short headline for the event, suffixed with the home name.
func (e Event) Title(home string) string {
	title := "Alarm Event"
	if e.Fire {
		title = "FIRE ALARM"
	} else if e.AlarmSounding {
		title = "ALARM"
	}
	if home != "" {
		title += " - " + home
	}
	return title
}
