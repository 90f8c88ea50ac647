package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a record whose key is taken.
var ErrAlreadyExists = errors.New("already exists")

// Standard is the metadata and current content for one standards document.
// Content-level timestamps (CreatedAt, LastUpdatedAt) only move on successful
// regeneration or initial creation; refresh-attempt timestamps move on every
// attempt, including failed ones.
type Standard struct {
	Key                    string
	Title                  string
	Language               string
	Name                   string
	Version                string
	Sources                string // JSON array of source URLs stored as text
	Content                string
	ContentHash            string
	CreatedAt              time.Time
	LastUpdatedAt          time.Time
	LastAccessedAt         time.Time
	AccessCount            int64
	AutoUpdateEnabled      bool
	FreshnessThresholdSecs int64 // 0 means "use the global default"
	LastRefreshAttemptAt   time.Time
	LastRefreshSuccessAt   time.Time
	ConsecutiveFailures    int
	RefreshInFlight        bool
}

// StandardVersion is one retained historical content version, kept for rollback.
type StandardVersion struct {
	ID          string
	StandardKey string
	Content     string
	ContentHash string
	CreatedAt   time.Time
}

// RefreshTask is a queued regeneration request for one standard.
type RefreshTask struct {
	ID          string
	StandardKey string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
