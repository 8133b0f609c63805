package store

import "qms/dispatch-service/internal/models"

const (
	ActionCallNext = "call_next"
	ActionRecall   = "recall"
	ActionComplete = "complete"
	ActionTransfer = "transfer"
	ActionAbandon  = "abandon"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionRecall:   {models.StatusCalled},
	ActionComplete: {models.StatusCalled},
	ActionTransfer: {models.StatusCalled},
	ActionAbandon:  {models.StatusCalled},
}

var targetStatus = map[string]string{
	ActionCallNext: models.StatusCalled,
	ActionRecall:   models.StatusCalled,
	ActionComplete: models.StatusCompleted,
	ActionTransfer: models.StatusCalled,
	ActionAbandon:  models.StatusAbandoned,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func TargetStatus(action string) string {
	return targetStatus[action]
}

// TransitionError explains why a guarded update on a ticket matched no row.
// status and holder are the ticket's current values, re-read inside the same
// transaction. If the state still allows the action, another writer got
// there first.
func TransitionError(action, status, holder, counterID string) error {
	if !ValidTransition(action, status) {
		if action == ActionComplete && status == models.StatusCompleted {
			return ErrAlreadyCompleted
		}
		return ErrInvalidState
	}
	if status == models.StatusCalled && counterID != "" && holder != counterID {
		return ErrCounterMismatch
	}
	return ErrConflict
}
