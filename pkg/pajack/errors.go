package pajack

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidChannelBudget = errors.New("channel budget must be an even number between 2 and 32")
	ErrUnknownSlot          = errors.New("unknown slot")
	ErrReloadDisabled       = errors.New("re-provisioning is disabled (allow_reload is off)")
)

// ProvisionError means a device could not be created or destroyed. It is fatal:
// the operator has to fix the sound server state.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision: %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// ConnectionError means the event feed could not be (re-)established
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("event feed unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NoFreeSlotError is returned by claims when every slot is occupied. Recoverable.
type NoFreeSlotError struct {
	Stream StreamID
	Slots  int
}

func (e *NoFreeSlotError) Error() string {
	return fmt.Sprintf("no free slot for stream %d (all %d occupied)", e.Stream, e.Slots)
}

// StaleAssignmentError records one slot whose tracked occupancy disagreed with the server
type StaleAssignmentError struct {
	Slot     int
	Recorded StreamID
	Live     StreamID
}

func (e *StaleAssignmentError) Error() string {
	recorded, live := "free", "free"
	if e.Recorded != NoStream {
		recorded = fmt.Sprintf("stream %d", e.Recorded)
	}
	if e.Live != NoStream {
		live = fmt.Sprintf("stream %d", e.Live)
	}

	return fmt.Sprintf("slot %d: tracked as %s, server reports %s", e.Slot, recorded, live)
}
