package models

// TransitionKind names an edge family of the session lifecycle.
type TransitionKind string

const (
	TransitionReady     TransitionKind = "ready"
	TransitionOngoing   TransitionKind = "ongoing"
	TransitionAbsent    TransitionKind = "absent"
	TransitionCompleted TransitionKind = "completed"
	TransitionCancelled TransitionKind = "cancelled"
)

// SessionTransition is a single allowed edge in the lifecycle state machine.
type SessionTransition struct {
	From SessionStatus
	To   SessionStatus
	Kind TransitionKind
}

// SessionTransitions lists every edge; anything absent here is forbidden.
var SessionTransitions = []SessionTransition{
	{From: SessionStatusScheduled, To: SessionStatusReady, Kind: TransitionReady},
	{From: SessionStatusReady, To: SessionStatusOngoing, Kind: TransitionOngoing},

	{From: SessionStatusReady, To: SessionStatusAbsent, Kind: TransitionAbsent},
	{From: SessionStatusOngoing, To: SessionStatusAbsent, Kind: TransitionAbsent},

	{From: SessionStatusReady, To: SessionStatusCompleted, Kind: TransitionCompleted},
	{From: SessionStatusOngoing, To: SessionStatusCompleted, Kind: TransitionCompleted},

	{From: SessionStatusScheduled, To: SessionStatusCancelled, Kind: TransitionCancelled},
	{From: SessionStatusReady, To: SessionStatusCancelled, Kind: TransitionCancelled},
}

// SourcesFor returns the statuses a transition kind may start from, and its target.
func SourcesFor(kind TransitionKind) ([]SessionStatus, SessionStatus) {
	var (
		from []SessionStatus
		to   SessionStatus
	)
	for _, tr := range SessionTransitions {
		if tr.Kind == kind {
			from = append(from, tr.From)
			to = tr.To
		}
	}
	return from, to
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to SessionStatus) bool {
	for _, tr := range SessionTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}
