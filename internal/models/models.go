package models

import "time"

type CheckinStatus string

const (
	CheckinPending  CheckinStatus = "pending"
	CheckinApproved CheckinStatus = "approved"
	CheckinRejected CheckinStatus = "rejected"
)

// Shift is one night's stage rotation at the venue. Secret is the HMAC
// signing key for scan tokens; it is decrypted on read from the store and
// must never appear in a response payload.
type Shift struct {
	ID               string     `json:"id"`
	VenueName        string     `json:"venue_name"`
	Secret           string     `json:"-"`
	JoinCode         string     `json:"join_code"`
	IsActive         bool       `json:"is_active"`
	CurrentGroupSize int        `json:"current_group_size"`
	CreatedAt        time.Time  `json:"created_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// Checkin records one performer's scan of the rotating QR for one shift.
// At most one row exists per (shift, performer); re-scans refresh ScannedAt
// while the row is still pending.
type Checkin struct {
	ID          string        `json:"id"`
	ShiftID     string        `json:"shift_id"`
	PerformerID string        `json:"performer_id"`
	Status      CheckinStatus `json:"status"`
	ScannedAt   time.Time     `json:"scanned_at"`
	ApprovedAt  *time.Time    `json:"approved_at,omitempty"`
	ApprovedBy  *string       `json:"approved_by,omitempty"`
	RejectedAt  *time.Time    `json:"rejected_at,omitempty"`
	RejectedBy  *string       `json:"rejected_by,omitempty"`
}

// SignupStage is derived from the timestamp chain, never stored.
type SignupStage string

const (
	StageStandby  SignupStage = "standby"
	StageAssigned SignupStage = "assigned"
	StageHistory  SignupStage = "history"
)

// Signup is a performer's place in the rotation queue. The timestamps form a
// monotonic chain: QueuedAt <= GroupedAt <= DoneAt where present; the chain
// doubles as the audit trail for wait-time accounting.
type Signup struct {
	ID          string     `json:"id"`
	ShiftID     string     `json:"shift_id"`
	PerformerID string     `json:"performer_id"`
	QueuedAt    time.Time  `json:"queued_at"`
	GroupedAt   *time.Time `json:"grouped_at,omitempty"`
	DoneAt      *time.Time `json:"done_at,omitempty"`
}

func (s Signup) Stage() SignupStage {
	switch {
	case s.DoneAt != nil:
		return StageHistory
	case s.GroupedAt != nil:
		return StageAssigned
	default:
		return StageStandby
	}
}

type AuditEntry struct {
	ID           string    `json:"id"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}
