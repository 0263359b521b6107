package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses only move forward; paid, completed and failed are terminal.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusPaid: true, StatusCompleted: true},
	StatusProcessing: {StatusPaid: true, StatusCompleted: true, StatusFailed: true},
	StatusPaid:       {},
	StatusCompleted:  {},
	StatusFailed:     {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) IsTerminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// SourcesFor lists the statuses from which to is reachable. Used as the guard
// of conditional status updates.
func SourcesFor(to Status) []string {
	var out []string
	for _, from := range []Status{StatusPending, StatusProcessing, StatusPaid, StatusCompleted, StatusFailed} {
		if validNext[from][to] {
			out = append(out, string(from))
		}
	}
	return out
}
