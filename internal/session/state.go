package session

import "fmt"

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Ended
	Failed
	RetryExhausted
	ConfigError
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	case RetryExhausted:
		return "retry_exhausted"
	case ConfigError:
		return "config_error"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the session will make no further attempts.
func (s State) IsTerminal() bool {
	switch s {
	case RetryExhausted, ConfigError, Stopped:
		return true
	}
	return false
}

// Transition describes one state change.
type Transition struct {
	Source   string
	From     State
	To       State
	Attempt  int
	Endpoint string
	Err      error
}
