package call

import (
	"context"
	"time"

	"github.com/Vovarama1992/livedesk/internal/presence"
)

type Type string

const (
	TypeAudio       Type = "audio"
	TypeVideo       Type = "video"
	TypeScreenShare Type = "screen_share"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAudio, TypeVideo, TypeScreenShare:
		return true
	}
	return false
}

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusMissed  Status = "missed"
)

func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusMissed
}

const (
	ReasonEnded          = "ended"
	ReasonAllDeclined    = "all_participants_declined"
	ReasonAllLeft        = "all_participants_left"
	ReasonRingTimeout    = "ring_timeout"
	DeclineReasonDefault = "declined"
)

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityUnknown, QualityGood, QualityFair, QualityPoor:
		return true
	}
	return false
}

// Participant is one roster entry. Entries are never removed; declining
// or leaving only stamps the entry.
type Participant struct {
	UserID        string     `json:"user_id"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	Quality       Quality    `json:"connection_quality"`
}

// Joined reports whether the participant is in the call right now.
func (p Participant) Joined() bool {
	return p.JoinedAt != nil && p.LeftAt == nil
}

// Pending reports whether the participant has neither answered nor
// turned the call down yet.
func (p Participant) Pending() bool {
	return p.JoinedAt == nil && p.DeclinedAt == nil && p.LeftAt == nil
}

// Session is one call. The roster is fixed when the call is initiated.
type Session struct {
	ID            string        `json:"id"`
	Initiator     string        `json:"initiator"`
	Participants  []Participant `json:"participants"`
	Type          Type          `json:"call_type"`
	ChatSessionID *string       `json:"chat_session_id,omitempty"`
	Status        Status        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	AnsweredAt    *time.Time    `json:"answered_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	EndReason     string        `json:"end_reason,omitempty"`
	EndedBy       string        `json:"ended_by,omitempty"`
}

func (s *Session) participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

func (s *Session) counts() (joined, pending int) {
	for _, p := range s.Participants {
		switch {
		case p.Joined():
			joined++
		case p.Pending():
			pending++
		}
	}
	return joined, pending
}

// Duration is talk time: from answer to end, or to now while active. Ring
// time never counts.
func (s Session) Duration(now time.Time) time.Duration {
	if s.AnsweredAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(*s.AnsweredAt) {
		return 0
	}
	return end.Sub(*s.AnsweredAt)
}

func (s Session) clone() Session {
	ps := make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		p.JoinedAt = clonePtr(p.JoinedAt)
		p.LeftAt = clonePtr(p.LeftAt)
		p.DeclinedAt = clonePtr(p.DeclinedAt)
		ps[i] = p
	}
	s.Participants = ps
	s.ChatSessionID = clonePtr(s.ChatSessionID)
	s.AnsweredAt = clonePtr(s.AnsweredAt)
	s.EndedAt = clonePtr(s.EndedAt)
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// View is a call with aggregates computed at read time.
type View struct {
	Call            Session                    `json:"call"`
	Total           int                        `json:"total"`
	Joined          int                        `json:"joined"`
	Pending         int                        `json:"pending"`
	Left            int                        `json:"left"`
	Declined        int                        `json:"declined"`
	DurationSeconds int64                      `json:"duration_seconds"`
	Presence        map[string]presence.Status `json:"presence"`
}

type Repo interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(s *Session) error) (*Session, error)
	ListByStatus(ctx context.Context, status Status) ([]Session, error)
}

// PresenceReader is only used to decorate views.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (*presence.Record, error)
}
