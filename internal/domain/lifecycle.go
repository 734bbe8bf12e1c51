package domain

// Status is a task's position in the delivery pipeline.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusInQA       Status = "in_qa"
	StatusInReview   Status = "in_review"
	StatusMerged     Status = "merged"
)

// Transitions is the complete lifecycle graph. The entry for merged is empty
// on purpose: merged is terminal.
var Transitions = map[Status][]Status{
	StatusBacklog:    {StatusReady},
	StatusReady:      {StatusInProgress},
	StatusInProgress: {StatusInQA},
	StatusInQA:       {StatusInReview, StatusInProgress},
	StatusInReview:   {StatusMerged, StatusInProgress},
	StatusMerged:     {},
}

// Statuses lists every lifecycle status.
var Statuses = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusInQA, StatusInReview, StatusMerged,
}

func ValidStatus(s Status) bool {
	_, ok := Transitions[s]
	return ok
}

// CanTransitionTo reports whether the directed edge s -> target is permitted.
func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range Transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Active reports whether a task in this status has an agent actively working
// on it, which makes its owner a recipient of merge broadcasts.
func (s Status) Active() bool {
	switch s {
	case StatusInProgress, StatusInQA, StatusInReview:
		return true
	}
	return false
}

// Terminal reports whether the status has no outbound edges.
func (s Status) Terminal() bool { return len(Transitions[s]) == 0 }

// IsBounceBack reports whether the edge returns a task to its coder after a
// failed QA or review step. These edges reassign the remembered coder even
// when a QA or review agent holds the lock at the time.
func IsBounceBack(from, to Status) bool {
	return to == StatusInProgress && (from == StatusInQA || from == StatusInReview)
}

// ClaimRoles maps each status to the roles allowed to claim a task in it.
// ready and in_progress belong to the coder (in_progress only ever matters
// for the original coder re-claiming after a bounce-back); in_qa and
// in_review belong to their stage roles. Statuses absent from the table are
// not claimable at all.
var ClaimRoles = map[Status][]string{
	StatusReady:      {RoleCoder},
	StatusInProgress: {RoleCoder},
	StatusInQA:       {RoleQA},
	StatusInReview:   {RoleReviewer},
}

// ClaimableBy reports whether an agent with the given role may claim a task
// in the given status.
func ClaimableBy(s Status, role string) bool {
	for _, r := range ClaimRoles[s] {
		if r == role {
			return true
		}
	}
	return false
}

// StageEvents maps statuses whose entry triggers a broadcast to the event
// name delivered to affected agents.
var StageEvents = map[Status]string{
	StatusMerged: EventMainUpdated,
}
