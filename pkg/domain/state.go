package domain

type State string

const (
	StateDraft          State = "draft"
	StateInProgress     State = "in_progress"
	StateAwaitingInput  State = "awaiting_input"
	StateAwaitingUpload State = "awaiting_upload"
	StateSubmitted      State = "submitted"
	StateNeedsReview    State = "needs_review"
	StateApproved       State = "approved"
	StateRejected       State = "rejected"
	StateFinalized      State = "finalized"
	StateCancelled      State = "cancelled"
	StateExpired        State = "expired"
)

var transitions = map[State][]State{
	StateDraft:          {StateInProgress, StateAwaitingInput, StateAwaitingUpload, StateSubmitted, StateNeedsReview},
	StateInProgress:     {StateInProgress, StateAwaitingInput, StateAwaitingUpload, StateSubmitted, StateNeedsReview},
	StateAwaitingInput:  {StateInProgress, StateAwaitingInput, StateAwaitingUpload, StateSubmitted, StateNeedsReview},
	StateAwaitingUpload: {StateInProgress, StateAwaitingInput, StateAwaitingUpload, StateSubmitted, StateNeedsReview},
	StateSubmitted:      {StateNeedsReview, StateFinalized},
	StateNeedsReview:    {StateApproved, StateRejected},
	StateApproved:       {StateFinalized},
}

func (s State) Valid() bool {
	switch s {
	case StateDraft, StateInProgress, StateAwaitingInput, StateAwaitingUpload, StateSubmitted,
		StateNeedsReview, StateApproved, StateRejected, StateFinalized, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinalized, StateRejected, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Editable reports whether field writes and uploads are accepted in s.
func (s State) Editable() bool {
	switch s {
	case StateDraft, StateInProgress, StateAwaitingInput, StateAwaitingUpload:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is legal. Cancellation and
// expiry are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateCancelled || to == StateExpired {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns an *InvalidStateTransitionError when from -> to is illegal.
func Transition(submissionID string, from, to State) error {
	if !CanTransition(from, to) {
		return &InvalidStateTransitionError{SubmissionID: submissionID, From: from, To: to}
	}
	return nil
}
