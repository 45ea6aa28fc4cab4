package models

import "fmt"

// Outcome is the result of reconciling a single object.
type Outcome int

const (
	NoAction Outcome = iota
	LocalCreated
	LocalUpdated
	LocalDeleted
	RemoteCreated
	RemoteUpdated
	RemoteDeleted
)

var outcomeNames = [...]string{
	NoAction:      "no_action",
	LocalCreated:  "local_created",
	LocalUpdated:  "local_updated",
	LocalDeleted:  "local_deleted",
	RemoteCreated: "remote_created",
	RemoteUpdated: "remote_updated",
	RemoteDeleted: "remote_deleted",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// ParseOutcome is the inverse of String, used when reading the log table.
func ParseOutcome(s string) (Outcome, error) {
	for i, name := range outcomeNames {
		if name == s {
			return Outcome(i), nil
		}
	}
	return NoAction, fmt.Errorf("unknown outcome %q", s)
}

// Statistics counts the outcomes of one harmonization pass.
type Statistics struct {
	RemoteCreated int
	RemoteUpdated int
	LocalCreated  int
	LocalUpdated  int
	LocalDeleted  int
	RemoteDeleted int
	Unchanged     int
	Failed        int
}

// Record adds one outcome.
func (s *Statistics) Record(o Outcome) {
	switch o {
	case NoAction:
		s.Unchanged++
	case LocalCreated:
		s.LocalCreated++
	case LocalUpdated:
		s.LocalUpdated++
	case LocalDeleted:
		s.LocalDeleted++
	case RemoteCreated:
		s.RemoteCreated++
	case RemoteUpdated:
		s.RemoteUpdated++
	case RemoteDeleted:
		s.RemoteDeleted++
	default:
		panic(fmt.Sprintf("statistics: unhandled outcome %d", int(o)))
	}
}

// Changes returns the number of mutations applied on either side.
func (s Statistics) Changes() int {
	return s.RemoteCreated + s.RemoteUpdated + s.RemoteDeleted +
		s.LocalCreated + s.LocalUpdated + s.LocalDeleted
}

// Add merges other into s.
func (s *Statistics) Add(other Statistics) {
	s.RemoteCreated += other.RemoteCreated
	s.RemoteUpdated += other.RemoteUpdated
	s.LocalCreated += other.LocalCreated
	s.LocalUpdated += other.LocalUpdated
	s.LocalDeleted += other.LocalDeleted
	s.RemoteDeleted += other.RemoteDeleted
	s.Unchanged += other.Unchanged
	s.Failed += other.Failed
}
