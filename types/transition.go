package types

import "fmt"

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusRunning:         {},
		StatusWaitingApproval: {},
		StatusCompleted:       {},
		StatusFailed:          {},
		StatusCancelled:       {},
	},
	StatusWaitingApproval: {
		StatusRunning:   {},
		StatusCancelled: {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateStatus rejects unknown statuses.
func ValidateStatus(s Status) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid session status: %q", s)
	}
	return nil
}

// ValidateTransition rejects status changes outside the state machine.
func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid session transition: %s -> %s", from, to)
	}
	return nil
}
