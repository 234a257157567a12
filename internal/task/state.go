package task

// transitions lists the statuses each status may move to. Terminal
// statuses have no outgoing edges; a running task may report running again
// with more progress.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCompleted, StatusFailed},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed},
}

// CanTransition reports whether a task in from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
