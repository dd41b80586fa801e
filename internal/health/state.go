// Package health tracks connection state per source and the number of
// outstanding requests across all sessions.
package health

import "fmt"

// State is the connection state of one source.
type State int

const (
	Connecting State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CONNECTING":
		*s = Connecting
	case "SUCCEEDED":
		*s = Succeeded
	case "FAILED":
		*s = Failed
	default:
		return fmt.Errorf("unknown connection state %q", b)
	}
	return nil
}
