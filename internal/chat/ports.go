package chat

import (
	"context"
	"strings"
	"time"

	"github.com/Vovarama1992/livedesk/internal/ai"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusAbandoned Status = "abandoned"
	StatusMissed    Status = "missed"
	StatusEnded     Status = "ended"
)

// Close reasons recorded on sessions leaving the queue or the
// conversation.
const (
	ReasonQueueTimeout   = "queue_timeout"
	ReasonHardTimeout    = "queue_hard_timeout"
	ReasonAdminRemoved   = "admin_removed"
	ReasonGuestTimeout   = "guest_timeout"
	ReasonGuestLeft      = "guest_left"
	ReasonResolved       = "resolved"
	ReasonStaffHandoff   = "staff_handoff"
	ReasonStaffOffline   = "staff_offline"
	EndReasonVisitorLeft = "visitor_left"
)

type Visitor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (v Visitor) matches(o Visitor) bool {
	return v.Name != "" && v.Email != "" &&
		strings.EqualFold(strings.TrimSpace(v.Name), strings.TrimSpace(o.Name)) &&
		strings.EqualFold(strings.TrimSpace(v.Email), strings.TrimSpace(o.Email))
}

// Session is one visitor conversation. Its id survives reconnects and
// returns to the queue.
type Session struct {
	ID                   string     `json:"id"`
	Status               Status     `json:"status"`
	Visitor              Visitor    `json:"visitor"`
	Priority             bool       `json:"priority"`
	Escalated            bool       `json:"escalated"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	RecoveryBoost        bool       `json:"recovery_boost"`
	AssignedTo           *string    `json:"assigned_to,omitempty"`
	PreviouslyAssignedTo *string    `json:"previously_assigned_to,omitempty"`
	QueuePosition        *int       `json:"queue_position,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	EnqueuedAt           time.Time  `json:"enqueued_at"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
	CloseReason          string     `json:"close_reason,omitempty"`
	GuestLastSeen        time.Time  `json:"guest_last_seen"`
	StaffDisconnectCount int        `json:"staff_disconnect_count"`
	RecoveryAttempts     int        `json:"recovery_attempts"`
	LastRecoveredAt      *time.Time `json:"last_recovered_at,omitempty"`
}

func (s Session) clone() Session {
	s.EscalatedAt = clonePtr(s.EscalatedAt)
	s.AssignedTo = clonePtr(s.AssignedTo)
	s.PreviouslyAssignedTo = clonePtr(s.PreviouslyAssignedTo)
	s.QueuePosition = clonePtr(s.QueuePosition)
	s.AssignedAt = clonePtr(s.AssignedAt)
	s.ClosedAt = clonePtr(s.ClosedAt)
	s.LastRecoveredAt = clonePtr(s.LastRecoveredAt)
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// toWaiting puts the session (back) in the queue. The caller assigns the
// position right after.
func (s *Session) toWaiting(now time.Time) {
	if s.AssignedTo != nil {
		s.PreviouslyAssignedTo = s.AssignedTo
	}
	s.Status = StatusWaiting
	s.AssignedTo = nil
	s.AssignedAt = nil
	s.ClosedAt = nil
	s.CloseReason = ""
	s.EnqueuedAt = now
	pos := 0
	s.QueuePosition = &pos
}

func (s *Session) toActive(staffID string, now time.Time) {
	s.Status = StatusActive
	s.AssignedTo = &staffID
	s.AssignedAt = &now
	s.QueuePosition = nil
}

func (s *Session) close(status Status, reason string, now time.Time) {
	if s.AssignedTo != nil {
		s.PreviouslyAssignedTo = s.AssignedTo
	}
	s.Status = status
	s.AssignedTo = nil
	s.QueuePosition = nil
	s.ClosedAt = &now
	s.CloseReason = reason
}

type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderStaff   Sender = "staff"
	SenderSystem  Sender = "system"
)

// Message is one line of session history. History is append-only and
// survives abandonment and recovery.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	AuthorID  string    `json:"author_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo persists sessions and their history.
type Repo interface {
	Create(ctx context.Context, s *Session) error

	// Get returns apperr.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Session, error)

	// Update runs fn under the session's lock and stores the result.
	Update(ctx context.Context, id string, fn func(s *Session) error) (*Session, error)

	ListByStatus(ctx context.Context, statuses ...Status) ([]Session, error)

	// FindByVisitor returns every session opened with the given email.
	FindByVisitor(ctx context.Context, email string) ([]Session, error)

	// ActiveCounts maps staff id to the number of active sessions they
	// hold.
	ActiveCounts(ctx context.Context) (map[string]int, error)

	SaveMessage(ctx context.Context, m *Message) error
	History(ctx context.Context, sessionID string) ([]Message, error)
}

// PresenceReader is the slice of the presence store the queue needs.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (*presence.Record, error)
}

// StaffDirectory is the slice of the work mode store the queue needs.
type StaffDirectory interface {
	EligibleStaff(ctx context.Context, f workmode.Filter) ([]workmode.Candidate, error)
	Load(ctx context.Context, staffID string) (*workmode.Candidate, error)
	Touch(ctx context.Context, staffID string) error
}

// Summarizer writes a short handoff note from a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []ai.Message) (string, error)
}
