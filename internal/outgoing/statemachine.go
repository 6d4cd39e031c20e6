package outgoing

import (
	"github.com/gotrs-io/gotrs-mail/internal/models"
)

// State is the lifecycle position of an outgoing mail. Drafts have no
// delivery status; every other state mirrors models.MailStatus.
type State string

const (
	StateDraft         State = "Draft"
	StatePending       State = State(models.StatusPending)
	StateTransferred   State = State(models.StatusTransferred)
	StateQueued        State = State(models.StatusQueued)
	StateSent          State = State(models.StatusSent)
	StatePartiallySent State = State(models.StatusPartiallySent)
	StateDeferred      State = State(models.StatusDeferred)
	StateBounced       State = State(models.StatusBounced)
	StateFailed        State = State(models.StatusFailed)
)

// Event drives a state change
type Event string

const (
	EventSubmit            Event = "submit"
	EventTransferSucceeded Event = "transfer_succeeded"
	EventTransferFailed    Event = "transfer_failed"
	EventDeliveryUpdate    Event = "delivery_update"
	EventRetry             Event = "retry"
)

// StateOf returns the current state of a mail
func StateOf(m *models.OutgoingMail) State {
	if m.IsDraft() {
		return StateDraft
	}
	return State(m.Status)
}

// Status converts a non-draft state back to the stored status
func (s State) Status() models.MailStatus {
	if s == StateDraft {
		return ""
	}
	return models.MailStatus(s)
}

var submittedStates = []State{
	StatePending, StateTransferred, StateQueued, StateSent,
	StatePartiallySent, StateDeferred, StateBounced, StateFailed,
}

// deliveryTargets are the statuses the delivery service may report
var deliveryTargets = map[State]bool{
	StateTransferred:   true,
	StateQueued:        true,
	StateSent:          true,
	StatePartiallySent: true,
	StateDeferred:      true,
	StateBounced:       true,
}

// StateMachine holds the transition table of an outgoing mail
type StateMachine struct {
	table map[State]map[Event]State
	// sources of delivery updates; the target comes from the update itself
	delivery map[State]bool
}

// NewStateMachine builds the outgoing mail lifecycle.
//
// Transfers may be forced from any submitted state, so both transfer events
// are accepted everywhere except Draft. Callers that must only transfer
// pending mail check the state before transferring.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		table: map[State]map[Event]State{
			StateDraft: {EventSubmit: StatePending},
		},
		delivery: map[State]bool{
			StateTransferred:   true,
			StateQueued:        true,
			StateDeferred:      true,
			StatePartiallySent: true,
		},
	}
	for _, s := range submittedStates {
		sm.table[s] = map[Event]State{
			EventTransferSucceeded: StateTransferred,
			EventTransferFailed:    StateFailed,
		}
	}
	sm.table[StateFailed][EventRetry] = StatePending
	sm.table[StateBounced][EventRetry] = StatePending
	return sm
}

// Transition returns the state reached by applying ev in from
func (sm *StateMachine) Transition(from State, ev Event) (State, error) {
	if ev == EventDeliveryUpdate {
		return "", &TransitionError{From: from, Event: ev}
	}
	to, ok := sm.table[from][ev]
	if !ok {
		return "", &TransitionError{From: from, Event: ev}
	}
	return to, nil
}

// Deliver validates a delivery update moving a mail from one state to a
// reported or derived state.
func (sm *StateMachine) Deliver(from, to State) (State, error) {
	if !sm.delivery[from] || !deliveryTargets[to] {
		return "", &TransitionError{From: from, Event: EventDeliveryUpdate}
	}
	return to, nil
}

// CanDeliver reports whether a mail in state s accepts delivery updates
func (sm *StateMachine) CanDeliver(s State) bool {
	return sm.delivery[s]
}

// AggregateStatus derives a mail status from its recipients: all Sent is
// Sent, any Sent is Partially Sent, all Deferred is Deferred and anything
// else is Bounced. A mail without recipients has delivered nothing.
func AggregateStatus(recipients []*models.Recipient) models.MailStatus {
	if len(recipients) == 0 {
		return models.StatusBounced
	}

	var sent, deferred int
	for _, r := range recipients {
		switch r.Status {
		case models.StatusSent:
			sent++
		case models.StatusDeferred:
			deferred++
		}
	}

	switch {
	case sent == len(recipients):
		return models.StatusSent
	case sent > 0:
		return models.StatusPartiallySent
	case deferred == len(recipients):
		return models.StatusDeferred
	default:
		return models.StatusBounced
	}
}

// ResolveStatus returns override when the delivery service supplied a
// definitive aggregate, otherwise the status derived from recipients.
func ResolveStatus(recipients []*models.Recipient, override models.MailStatus) models.MailStatus {
	if override != "" {
		return override
	}
	return AggregateStatus(recipients)
}

// FolderFor returns the folder a mail belongs in. Drafts always stay in
// Drafts; submitted mail leaves Drafts for Sent and otherwise keeps its folder.
func FolderFor(m *models.OutgoingMail) string {
	if m.IsDraft() {
		return models.FolderDrafts
	}
	if m.Folder == "" || m.Folder == models.FolderDrafts {
		return models.FolderSent
	}
	return m.Folder
}
