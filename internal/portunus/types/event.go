package types

import "time"

// Method records how an admission was granted.
type Method string

const (
	MethodFace   Method = "face"
	MethodCard   Method = "card"
	MethodManual Method = "manual"
)

func (m Method) Valid() bool {
	switch m {
	case MethodFace, MethodCard, MethodManual:
		return true
	}
	return false
}

// Status is the delivery state of an admission event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether an event may move from s to next.
// sent is terminal; failed is only left by an explicit retry.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// AdmissionEvent is one durable grant record.
type AdmissionEvent struct {
	ID            int64      `json:"id"`
	IdentityID    int64      `json:"identity_id"`
	IdentityName  string     `json:"identity_name,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	Method        Method     `json:"method"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
