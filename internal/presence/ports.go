package presence

import (
	"context"
	"time"
)

type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
	StatusInvisible Status = "invisible"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline, StatusInvisible:
		return true
	}
	return false
}

// Override is an administrator-forced status. It wins over anything the
// user reports until cleared.
type Override struct {
	Status Status    `json:"status"`
	Reason string    `json:"reason"`
	SetBy  string    `json:"set_by"`
	SetAt  time.Time `json:"set_at"`
}

// Record is the presence of one user. Exists is false for the synthesized
// offline record returned when the user never sent a heartbeat.
type Record struct {
	UserID             string    `json:"user_id"`
	Status             Status    `json:"status"`
	Message            string    `json:"message,omitempty"`
	LastActive         time.Time `json:"last_active"`
	AdminOverride      *Override `json:"admin_override,omitempty"`
	VisibilityOverride *Status   `json:"visibility_override,omitempty"`
	Exists             bool      `json:"exists"`
}

// Effective is the status other users see.
func (r Record) Effective() Status {
	if r.AdminOverride != nil {
		return r.AdminOverride.Status
	}
	if r.VisibilityOverride != nil && r.Status != StatusOffline {
		return *r.VisibilityOverride
	}
	if r.Status == "" {
		return StatusOffline
	}
	return r.Status
}

func (r Record) clone() Record {
	if r.AdminOverride != nil {
		o := *r.AdminOverride
		r.AdminOverride = &o
	}
	if r.VisibilityOverride != nil {
		v := *r.VisibilityOverride
		r.VisibilityOverride = &v
	}
	return r
}

// Repo persists presence records with atomic single-record updates.
type Repo interface {
	// Get returns apperr.ErrNotFound when the user has no record.
	Get(ctx context.Context, userID string) (*Record, error)

	// Update runs fn on the user's record under that record's lock and
	// stores the result. A missing record is handed to fn with Exists
	// false and is created on success.
	Update(ctx context.Context, userID string, fn func(r *Record) error) (*Record, error)

	// ListStale returns users whose self-reported status is not offline
	// and whose LastActive is before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]string, error)

	List(ctx context.Context) ([]Record, error)
}
