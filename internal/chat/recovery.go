package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/presence"
)

// Identity says which visitor is coming back: either the session id the
// widget kept, or the name and email the visitor typed again.
type Identity struct {
	SessionID string  `json:"session_id,omitempty"`
	Visitor   Visitor `json:"visitor"`
}

type Recovery struct {
	Session               Session   `json:"session"`
	RecoveredFrom         Status    `json:"recovered_from"`
	RecoveredAfterMinutes int       `json:"recovered_after_minutes"`
	Messages              []Message `json:"messages"`
}

// RecoverSession puts a recently lost session back in the queue with a
// ranking boost and returns it together with its full history. A nil
// result means nothing recoverable matched; nothing is changed then. A
// zero window uses the configured recovery window.
func (e *Engine) RecoverSession(ctx context.Context, id Identity, window time.Duration) (*Recovery, error) {
	if window <= 0 {
		window = e.cfg.RecoveryWindow
	}
	if id.SessionID == "" && (strings.TrimSpace(id.Visitor.Name) == "" || strings.TrimSpace(id.Visitor.Email) == "") {
		return nil, apperr.Invalid("recover_session", "session id or visitor name and email required")
	}

	e.mu.Lock()
	ob, rec, err := e.recoverLocked(ctx, id, window)
	e.mu.Unlock()

	e.flush(ctx, ob)
	if err != nil || rec == nil {
		if err == nil {
			e.metrics.Recovery("not_found")
		}
		return nil, err
	}
	e.metrics.Recovery("recovered")

	current, err := e.repo.Get(ctx, rec.Session.ID)
	if err != nil {
		return nil, err
	}
	rec.Session = *current
	rec.Messages, err = e.repo.History(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return rec, nil
}

func (e *Engine) recoverLocked(ctx context.Context, id Identity, window time.Duration) (outbox, *Recovery, error) {
	var ob outbox
	now := e.clock.Now()

	candidates, err := e.recoveryCandidates(ctx, id)
	if err != nil {
		return ob, nil, err
	}

	var (
		best    *Session
		bestRef time.Time
	)
	for i := range candidates {
		s := &candidates[i]
		ref, ok := e.recoverable(ctx, s, now, window)
		if !ok {
			continue
		}
		if best == nil || s.GuestLastSeen.After(best.GuestLastSeen) {
			best, bestRef = s, ref
		}
	}
	if best == nil {
		return ob, nil, nil
	}

	from := best.Status
	updated, err := e.repo.Update(ctx, best.ID, func(s *Session) error {
		if s.Status != from {
			return errNoChange
		}
		if from == StatusActive {
			s.StaffDisconnectCount++
		}
		s.toWaiting(now)
		s.RecoveryAttempts++
		s.LastRecoveredAt = &now
		s.RecoveryBoost = true
		s.GuestLastSeen = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		return ob, nil, nil
	}
	if err != nil {
		return ob, nil, fmt.Errorf("recover %s: %w", best.ID, err)
	}

	if queued, err := e.enqueuedLocked(ctx, now, best.ID); err == nil {
		updated = queued
	} else {
		return ob, nil, err
	}

	after := int(now.Sub(bestRef).Minutes())
	ob.add(events.SessionRecovered, *updated, now)
	e.log.Info("session recovered",
		zap.String("session_id", updated.ID),
		zap.String("from", string(from)),
		zap.Int("after_minutes", after),
		zap.Int("attempts", updated.RecoveryAttempts),
	)

	assignOb, _, err := e.tryAssignLocked(ctx)
	ob = append(ob, assignOb...)
	if err != nil {
		return ob, nil, err
	}

	return ob, &Recovery{
		Session:               *updated,
		RecoveredFrom:         from,
		RecoveredAfterMinutes: after,
	}, nil
}

func (e *Engine) recoveryCandidates(ctx context.Context, id Identity) ([]Session, error) {
	if id.SessionID != "" {
		s, err := e.repo.Get(ctx, id.SessionID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Session{*s}, nil
	}

	byEmail, err := e.repo.FindByVisitor(ctx, strings.TrimSpace(id.Visitor.Email))
	if err != nil {
		return nil, fmt.Errorf("find by visitor: %w", err)
	}
	out := byEmail[:0]
	for _, s := range byEmail {
		if id.Visitor.matches(s.Visitor) {
			out = append(out, s)
		}
	}
	return out, nil
}

// recoverable reports whether s may be recovered now and the moment the
// visitor lost it. Abandoned and missed sessions count from when they
// closed; an active session counts only while its staff member is
// offline, from the visitor's last heartbeat.
func (e *Engine) recoverable(ctx context.Context, s *Session, now time.Time, window time.Duration) (time.Time, bool) {
	var ref time.Time
	switch s.Status {
	case StatusAbandoned, StatusMissed:
		ref = s.GuestLastSeen
		if s.ClosedAt != nil {
			ref = *s.ClosedAt
		}
	case StatusActive:
		if s.AssignedTo == nil {
			return ref, false
		}
		p, err := e.presence.GetPresence(ctx, *s.AssignedTo)
		if err != nil {
			e.log.Warn("presence lookup failed", zap.String("staff_id", *s.AssignedTo), zap.Error(err))
			return ref, false
		}
		if p.Effective() != presence.StatusOffline {
			return ref, false
		}
		ref = s.GuestLastSeen
	default:
		return ref, false
	}
	return ref, now.Sub(ref) <= window
}
