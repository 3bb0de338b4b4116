package runs

import "strings"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusSubmitted RunStatus = "SUBMITTED"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

var allStatuses = []RunStatus{
	StatusPending,
	StatusSubmitted,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// allowedTransitions is the complete edge set. Terminal states have no entry.
var allowedTransitions = map[RunStatus][]RunStatus{
	StatusPending:   {StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []RunStatus {
	out := make([]RunStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus accepts any casing and reports whether s names a known status.
func ParseStatus(s string) (RunStatus, bool) {
	st := RunStatus(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allStatuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

func (s RunStatus) String() string { return string(s) }

// IsTerminal reports whether no outbound transition exists from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the state machine.
// A self transition is not an edge.
func CanTransition(from, to RunStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an *InvalidTransitionError when moving from current
// to next is illegal. Requesting the current status is always accepted.
func CheckTransition(current, next RunStatus) error {
	if current == next {
		return nil
	}
	if CanTransition(current, next) {
		return nil
	}
	return &InvalidTransitionError{Current: current, Requested: next}
}

// TransitionPath returns the shortest sequence of legal steps leading from
// from to to, excluding from itself. It returns nil when to is unreachable and
// an empty slice when from == to.
func TransitionPath(from, to RunStatus) []RunStatus {
	if from == to {
		return []RunStatus{}
	}
	prev := map[RunStatus]RunStatus{from: ""}
	queue := []RunStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range allowedTransitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []RunStatus
				for at := to; at != from; at = prev[at] {
					path = append([]RunStatus{at}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// TimestampColumn names the column stamped when a run enters status.
// PENDING has none; created_at is set at creation.
func TimestampColumn(status RunStatus) string {
	switch status {
	case StatusSubmitted:
		return "submitted_at"
	case StatusRunning:
		return "started_at"
	case StatusCompleted:
		return "completed_at"
	case StatusFailed:
		return "failed_at"
	case StatusCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}
