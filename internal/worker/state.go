package worker

// State is the lifecycle state of the worker process.
//
//	Stopped → Starting → RunningCold → RunningWarm → Terminating → Stopped
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunningCold
	StateRunningWarm
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunningCold:
		return "running_cold"
	case StateRunningWarm:
		return "running_warm"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Running reports whether a process handle exists in this state.
func (s State) Running() bool {
	return s == StateRunningCold || s == StateRunningWarm
}
