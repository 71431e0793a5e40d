package workmode

import (
	"context"
	"time"
)

type Mode string

const (
	ModeReady         Mode = "ready"
	ModeFocusedWork   Mode = "focused_work"
	ModeTicketingOnly Mode = "ticketing_only"
	ModeAway          Mode = "away"
	ModeBreak         Mode = "break"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeReady, ModeFocusedWork, ModeTicketingOnly, ModeAway, ModeBreak:
		return true
	}
	return false
}

// AutoAssignable reports whether the mode takes automatic assignments.
func (m Mode) AutoAssignable() bool {
	return m == ModeReady || m == ModeFocusedWork
}

// Pullable reports whether staff in this mode may take a chat by hand.
// ticketing_only staff can pull; away and break never take chats.
func (m Mode) Pullable() bool {
	return m.AutoAssignable() || m == ModeTicketingOnly
}

type Record struct {
	StaffID               string    `json:"staff_id"`
	Mode                  Mode      `json:"mode"`
	AutoAcceptEnabled     bool      `json:"auto_accept_enabled"`
	MaxConcurrentSessions int       `json:"max_concurrent_sessions"`
	AcceptsEscalated      bool      `json:"accepts_escalated"`
	AcceptsPriority       bool      `json:"accepts_priority"`
	LastActivity          time.Time `json:"last_activity"`
	ModeSince             time.Time `json:"mode_since"`
	Exists                bool      `json:"-"`
}

// Change is one entry of the append-only mode history kept for
// operational reporting. Routing never reads it.
type Change struct {
	StaffID     string        `json:"staff_id"`
	OldMode     Mode          `json:"old_mode"`
	NewMode     Mode          `json:"new_mode"`
	TimeInPrior time.Duration `json:"time_in_prior"`
	At          time.Time     `json:"at"`
}

// Options are the optional settings of SetWorkMode; nil leaves the
// current value.
type Options struct {
	AutoAcceptEnabled     *bool `json:"auto_accept_enabled,omitempty"`
	MaxConcurrentSessions *int  `json:"max_concurrent_sessions,omitempty"`
	AcceptsEscalated      *bool `json:"accepts_escalated,omitempty"`
	AcceptsPriority       *bool `json:"accepts_priority,omitempty"`
}

// Filter describes the session being routed.
type Filter struct {
	Escalated bool
	Priority  bool
}

// Candidate is an eligible staff member with their current load.
type Candidate struct {
	Record
	ActiveSessions int `json:"active_sessions"`
}

// Eligible is the automatic-assignment predicate.
func Eligible(r Record, active int, f Filter) bool {
	return r.Mode.AutoAssignable() &&
		r.AutoAcceptEnabled &&
		active < r.MaxConcurrentSessions &&
		(!f.Escalated || r.AcceptsEscalated) &&
		(!f.Priority || r.AcceptsPriority)
}

// SessionCounter reports how many active chat sessions each staff member
// holds. Implemented by the chat store.
type SessionCounter interface {
	ActiveCounts(ctx context.Context) (map[string]int, error)
}

type Repo interface {
	// Get returns apperr.ErrNotFound for staff who never set a mode.
	Get(ctx context.Context, staffID string) (*Record, error)

	// Update runs fn under the staff member's lock. A missing record is
	// handed to fn with Exists false.
	Update(ctx context.Context, staffID string, fn func(r *Record) error) (*Record, error)

	List(ctx context.Context) ([]Record, error)

	AppendChange(ctx context.Context, c Change) error
}
