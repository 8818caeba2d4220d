package swapdb

import "fmt"

// SwapStatus indicates the current state of a swap. Transitions are
// monotonic: Created -> Funded -> {Claimed | Refunded}, with Failed
// reachable from any non-terminal state. Transitions are applied with a
// compare-and-set on the expected prior status, so no transition can be
// applied twice with different outcomes.
type SwapStatus uint8

const (
	// StatusCreated is the initial state of a swap. The funding
	// transaction has been broadcast but has not yet reached the
	// required confirmation count.
	StatusCreated SwapStatus = 0

	// StatusFunded is reached once the funding transaction has the
	// required number of confirmations. The lock is now live and the
	// payer is expected to settle the invoice.
	StatusFunded SwapStatus = 1

	// StatusClaimed is the terminal success state for the claimer: the
	// lock output was spent through the claim path.
	StatusClaimed SwapStatus = 2

	// StatusRefunded is the terminal state reached when the lock output
	// was spent through the refund path after the deadline.
	StatusRefunded SwapStatus = 3

	// StatusFailed is the absorbing failure state, reachable from
	// Created or Funded on unrecoverable error. The row is retained for
	// audit.
	StatusFailed SwapStatus = 4
)

// SwapStatusType defines the coarse categories a status falls into.
type SwapStatusType uint8

const (
	// StatusTypePending indicates that the swap is still in flight.
	StatusTypePending SwapStatusType = 0

	// StatusTypeSuccess indicates the swap settled through claim or
	// refund.
	StatusTypeSuccess SwapStatusType = 1

	// StatusTypeFail indicates the swap failed.
	StatusTypeFail SwapStatusType = 2
)

// Type returns the type of the SwapStatus it is called on.
func (s SwapStatus) Type() SwapStatusType {
	switch s {
	case StatusCreated, StatusFunded:
		return StatusTypePending

	case StatusClaimed, StatusRefunded:
		return StatusTypeSuccess

	default:
		return StatusTypeFail
	}
}

// IsPending returns true if the swap still holds its collateral
// reservation.
func (s SwapStatus) IsPending() bool {
	return s.Type() == StatusTypePending
}

// IsFinal returns true if the swap is in a terminal state.
func (s SwapStatus) IsFinal() bool {
	return !s.IsPending()
}

// String returns a string representation of the swap's status.
func (s SwapStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"

	case StatusFunded:
		return "funded"

	case StatusClaimed:
		return "claimed"

	case StatusRefunded:
		return "refunded"

	case StatusFailed:
		return "failed"

	default:
		return "unknown"
	}
}

// parseSwapStatus maps the stored text representation back to a status.
func parseSwapStatus(s string) (SwapStatus, error) {
	switch s {
	case "created":
		return StatusCreated, nil

	case "funded":
		return StatusFunded, nil

	case "claimed":
		return StatusClaimed, nil

	case "refunded":
		return StatusRefunded, nil

	case "failed":
		return StatusFailed, nil

	default:
		return 0, fmt.Errorf("unknown swap status: %v", s)
	}
}
