package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("iteration session not found or expired")
	// ErrStaleWrite means a fenced row changed after the snapshot was read.
	// The caller recomputes against fresh state.
	ErrStaleWrite = errors.New("stale write")
	// ErrWriteRejected means the database refused the write, for example
	// because the iteration was frozen after planning.
	ErrWriteRejected = errors.New("write rejected")
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Domain struct {
	ID        string
	ShortName string
	Name      string
}

type Iteration struct {
	ID                 string
	ModelName          string
	OrderParameterType string
	Frozen             bool
}

type Participant struct {
	ID          string
	IterationID string
	UserID      string
	Role        string
	DomainID    string
}

// IterationSession records the participant and domain of expertise a user
// opened an iteration with.
type IterationSession struct {
	UserID        string    `json:"user_id"`
	IterationID   string    `json:"iteration_id"`
	ParticipantID string    `json:"participant_id"`
	DomainID      string    `json:"domain_id"`
	Role          string    `json:"role"`
	OpenedAt      time.Time `json:"opened_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ItemRecord is an item row as inserted by seeding and imports. ParentID is
// empty for specifications.
type ItemRecord struct {
	ID          string
	IterationID string
	Kind        string
	ShortName   string
	Name        string
	ParentID    string
	GroupID     string
	OwnerDomain string
}

type OrderValue struct {
	ID            string
	ItemID        string
	ParameterType string
	Value         string
	OwnerDomain   string
	Revision      int64
}
