package lifecycle

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusActive
	StatusTerminating
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusTerminating:
		return "terminating"
	}
	return "unknown"
}
