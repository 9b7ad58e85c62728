package vms

import "fmt"

// ValidTransitions defines allowed single-hop status transitions
var ValidTransitions = map[Status][]Status{
	StatusCreating: {
		StatusRunning, // backend create + start succeeded
		StatusFailed,  // create or start failed
	},
	StatusRunning: {
		StatusPaused,  // backend reports paused
		StatusStopped, // destroyed on removal or shutdown
		StatusFailed,  // crashed or unreachable
	},
	StatusPaused: {
		StatusRunning, // resumed
		StatusStopped,
		StatusFailed,
	},
	StatusStopped: {
		StatusRemoved, // evicted from the registry (terminal)
	},
	StatusFailed: {
		StatusCreating, // auto restart
		StatusRemoved,
	},
}

// CanTransitionTo checks if a transition from the current status to target is valid
func (s Status) CanTransitionTo(target Status) error {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return fmt.Errorf("%w: unknown status: %s", ErrInvalidState, s)
	}

	for _, valid := range allowed {
		if valid == target {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s, target)
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsLive returns true if the VM has a backend process that polling should watch
func (s Status) IsLive() bool {
	return s == StatusRunning || s == StatusPaused
}

// IsTerminal returns true once the record has been evicted
func (s Status) IsTerminal() bool {
	return s == StatusRemoved
}
