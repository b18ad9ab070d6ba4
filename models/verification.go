package models

import "time"

// VerificationState is the lifecycle stage of a photo verification task
type VerificationState string

const (
	StateQueued     VerificationState = "QUEUED"
	StateProcessing VerificationState = "PROCESSING"
	StateApproved   VerificationState = "APPROVED"
	StateRejected   VerificationState = "REJECTED"
	StateFailed     VerificationState = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s VerificationState) Terminal() bool {
	switch s {
	case StateApproved, StateRejected, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states
func (s VerificationState) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateApproved, StateRejected, StateFailed:
		return true
	}
	return false
}

// CanMoveTo reports whether next is a legal successor of s. Repeating a
// terminal state is allowed and treated as a no-op by the writers.
func (s VerificationState) CanMoveTo(next VerificationState) bool {
	if s == next {
		return s.Terminal()
	}
	switch s {
	case StateQueued:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StateApproved || next == StateRejected || next == StateFailed
	}
	return false
}

// VerificationTask is the queue payload. It never changes after enqueue.
type VerificationTask struct {
	TaskID                 string `json:"taskId"`
	Bucket                 string `json:"bucket"`
	ObjectKey              string `json:"objectKey"`
	ExpectedLabel          string `json:"expectedLabel"`
	ETag                   string `json:"eTag"`
	UserID                 int64  `json:"userId"`
	UserTgID               int64  `json:"userTgId"`
	QuestID                *int64 `json:"questId"`
	AllowFeedPhotos        bool   `json:"allowFeedPhotos"`
	RequestedAtEpochMillis int64  `json:"requestedAtEpochMillis"`
}

// VerificationStatus is the record clients poll
type VerificationStatus struct {
	TaskID               string            `json:"taskId"`
	State                VerificationState `json:"state"`
	UserID               int64             `json:"userId"`
	ObjectKey            string            `json:"objectKey"`
	Message              string            `json:"message,omitempty"`
	UpdatedAtEpochMillis int64             `json:"updatedAtEpochMillis"`
}

// EnqueueResult is returned to the client after a successful enqueue
type EnqueueResult struct {
	TaskID string             `json:"taskId"`
	Status VerificationStatus `json:"status"`
}

// VerificationEvent is published when a task reaches a terminal state
type VerificationEvent struct {
	Type   string            `json:"type"`
	TaskID string            `json:"taskId"`
	Status VerificationState `json:"status"`
	UserID int64             `json:"userId"`
}

const (
	EventVerificationCompleted = "VERIFICATION_COMPLETED"
	EventVerificationFailed    = "VERIFICATION_FAILED"
)

// VerificationStatusRecord is the relational form of VerificationStatus used
// by the postgres status backend.
type VerificationStatusRecord struct {
	TaskID    string            `gorm:"primaryKey;size:64"`
	UserID    int64             `gorm:"index;not null"`
	ObjectKey string            `gorm:"not null"`
	State     VerificationState `gorm:"size:16;not null"`
	Message   string
	UpdatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

func (VerificationStatusRecord) TableName() string { return "verification_status" }

// Status converts the row to the API shape
func (r *VerificationStatusRecord) Status() VerificationStatus {
	return VerificationStatus{
		TaskID:               r.TaskID,
		State:                r.State,
		UserID:               r.UserID,
		ObjectKey:            r.ObjectKey,
		Message:              r.Message,
		UpdatedAtEpochMillis: r.UpdatedAt.UnixMilli(),
	}
}

// VerificationResultRecord holds the opaque worker result payload
type VerificationResultRecord struct {
	TaskID     string    `gorm:"primaryKey;size:64"`
	ResultJSON string    `gorm:"type:text;not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}

func (VerificationResultRecord) TableName() string { return "verification_result" }
