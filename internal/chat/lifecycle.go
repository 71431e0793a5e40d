package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/ai"
	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/events"
)

// Start opens a session for a visitor and puts it in the queue. If
// anyone can take it right away it comes back already active.
func (e *Engine) Start(ctx context.Context, v Visitor, priority bool, firstMessage string) (*Session, error) {
	now := e.clock.Now()
	s := &Session{
		ID:            uuid.NewString(),
		Visitor:       Visitor{Name: strings.TrimSpace(v.Name), Email: strings.TrimSpace(v.Email)},
		Priority:      priority,
		CreatedAt:     now,
		GuestLastSeen: now,
	}
	s.toWaiting(now)

	e.mu.Lock()
	ob, err := e.startLocked(ctx, s, firstMessage)
	e.mu.Unlock()

	e.flush(ctx, ob)
	if err != nil {
		return nil, err
	}
	return e.repo.Get(ctx, s.ID)
}

func (e *Engine) startLocked(ctx context.Context, s *Session, firstMessage string) (outbox, error) {
	var ob outbox
	if err := e.repo.Create(ctx, s); err != nil {
		return ob, fmt.Errorf("create session: %w", err)
	}
	if text := strings.TrimSpace(firstMessage); text != "" {
		m := &Message{SessionID: s.ID, Sender: SenderVisitor, Text: text, CreatedAt: s.CreatedAt}
		if err := e.repo.SaveMessage(ctx, m); err != nil {
			return ob, fmt.Errorf("save first message: %w", err)
		}
	}

	queued, err := e.enqueuedLocked(ctx, s.CreatedAt, s.ID)
	if err != nil {
		return ob, err
	}
	ob.add(events.SessionEnqueued, *queued, s.CreatedAt)
	e.log.Info("session enqueued",
		zap.String("session_id", s.ID),
		zap.Bool("priority", s.Priority),
		zap.Intp("position", queued.QueuePosition),
	)

	assignOb, _, err := e.tryAssignLocked(ctx)
	return append(ob, assignOb...), err
}

func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	return e.repo.Get(ctx, id)
}

// Touch records a visitor heartbeat.
func (e *Engine) Touch(ctx context.Context, id string) (*Session, error) {
	now := e.clock.Now()
	return e.repo.Update(ctx, id, func(s *Session) error {
		if now.After(s.GuestLastSeen) {
			s.GuestLastSeen = now
		}
		return nil
	})
}

// PostMessage appends to the session history. Closed sessions take no
// new messages; the visitor has to recover the session first.
func (e *Engine) PostMessage(ctx context.Context, sessionID string, sender Sender, authorID, text string) (*Message, error) {
	const op = "post_message"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Invalid(op, "message text is empty")
	}
	switch sender {
	case SenderVisitor, SenderStaff, SenderSystem:
	default:
		return nil, apperr.Invalid(op, "unknown sender %q", sender)
	}

	now := e.clock.Now()
	_, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusWaiting && s.Status != StatusActive {
			return apperr.InvalidTransition(op, "session", s.ID, "status is %s", s.Status)
		}
		if sender == SenderStaff && (s.AssignedTo == nil || *s.AssignedTo != authorID) {
			return apperr.Forbidden(op, authorID, "session_assignee")
		}
		if sender == SenderVisitor && now.After(s.GuestLastSeen) {
			s.GuestLastSeen = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := &Message{SessionID: sessionID, Sender: sender, AuthorID: authorID, Text: text, CreatedAt: now}
	if err := e.repo.SaveMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return m, nil
}

func (e *Engine) History(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := e.repo.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.repo.History(ctx, sessionID)
}

// End closes an active conversation. The assignee may end their own
// session; anyone else needs force_disconnect.
func (e *Engine) End(ctx context.Context, actor auth.User, sessionID, reason string) (*Session, error) {
	const op = "end_session"
	if reason == "" {
		reason = ReasonResolved
	}

	e.mu.Lock()
	var ob outbox
	now := e.clock.Now()
	updated, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return apperr.InvalidTransition(op, "session", s.ID, "status is %s", s.Status)
		}
		if !e.isAssignee(s, actor) && !e.can(actor, auth.ForceDisconnect) {
			return apperr.Forbidden(op, actor.ID, string(auth.ForceDisconnect))
		}
		s.close(StatusEnded, reason, now)
		return nil
	})
	if err == nil {
		ob.add(events.SessionEnded, *updated, now)
		e.log.Info("session ended", zap.String("session_id", sessionID), zap.String("by", actor.ID), zap.String("reason", reason))

		// freed capacity may let a waiting session through
		var assignOb outbox
		assignOb, _, err = e.tryAssignLocked(ctx)
		ob = append(ob, assignOb...)
	}
	e.mu.Unlock()

	e.flush(ctx, ob)
	return updated, err
}

// Leave is the visitor closing the widget. A waiting session becomes
// missed; an active one ends.
func (e *Engine) Leave(ctx context.Context, sessionID string) (*Session, error) {
	const op = "leave_session"

	e.mu.Lock()
	var (
		ob   outbox
		kind events.Type
	)
	now := e.clock.Now()
	updated, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		switch s.Status {
		case StatusWaiting:
			s.close(StatusMissed, ReasonGuestLeft, now)
			kind = events.SessionMissed
		case StatusActive:
			s.close(StatusEnded, EndReasonVisitorLeft, now)
			kind = events.SessionEnded
		default:
			return apperr.InvalidTransition(op, "session", s.ID, "status is %s", s.Status)
		}
		return nil
	})
	if err == nil {
		ob.add(kind, *updated, now)
		var assignOb outbox
		assignOb, _, err = e.tryAssignLocked(ctx)
		ob = append(ob, assignOb...)
	}
	e.mu.Unlock()

	e.flush(ctx, ob)
	return updated, err
}

// ReturnToQueue hands an active session back. The staff member is kept
// as previously_assigned_to and skipped when another candidate exists.
// With a summarizer configured a handoff note is added to the history.
func (e *Engine) ReturnToQueue(ctx context.Context, actor auth.User, sessionID string) (*Session, error) {
	const op = "return_to_queue"

	current, err := e.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusActive {
		return nil, apperr.InvalidTransition(op, "session", sessionID, "status is %s", current.Status)
	}
	if !e.isAssignee(current, actor) && !e.can(actor, auth.ForceDisconnect) {
		return nil, apperr.Forbidden(op, actor.ID, string(auth.ForceDisconnect))
	}

	// Summarizing talks to a remote model, so it happens before the
	// engine lock is taken. A failed summary never blocks the handoff.
	note := e.handoffNote(ctx, sessionID)

	e.mu.Lock()
	var ob outbox
	now := e.clock.Now()
	updated, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return apperr.InvalidTransition(op, "session", s.ID, "status is %s", s.Status)
		}
		s.toWaiting(now)
		return nil
	})
	if err == nil {
		updated, err = e.enqueuedLocked(ctx, now, sessionID)
	}
	if err == nil {
		ob.add(events.SessionReturned, *updated, now)
		e.log.Info("session returned to queue",
			zap.String("session_id", sessionID),
			zap.String("by", actor.ID),
			zap.Stringp("previous", updated.PreviouslyAssignedTo),
		)
		if note != "" {
			m := &Message{SessionID: sessionID, Sender: SenderSystem, Text: note, CreatedAt: now}
			if serr := e.repo.SaveMessage(ctx, m); serr != nil {
				e.log.Warn("save handoff note failed", zap.String("session_id", sessionID), zap.Error(serr))
			}
		}
		var assignOb outbox
		assignOb, _, err = e.tryAssignLocked(ctx)
		ob = append(ob, assignOb...)
	}
	e.mu.Unlock()

	e.flush(ctx, ob)
	if err != nil {
		return nil, err
	}
	return e.repo.Get(ctx, sessionID)
}

func (e *Engine) handoffNote(ctx context.Context, sessionID string) string {
	if e.summarizer == nil {
		return ""
	}
	history, err := e.repo.History(ctx, sessionID)
	if err != nil || len(history) == 0 {
		return ""
	}

	transcript := make([]ai.Message, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Sender != SenderVisitor {
			role = "assistant"
		}
		transcript = append(transcript, ai.Message{Role: role, Text: m.Text})
	}

	summary, err := e.summarizer.Summarize(ctx, transcript)
	if err != nil {
		e.log.Warn("handoff summary failed", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return ""
	}
	return "Handoff summary: " + summary
}

func (e *Engine) isAssignee(s *Session, actor auth.User) bool {
	return s.AssignedTo != nil && *s.AssignedTo == actor.ID
}

// ActiveCounts reports per-staff load for the work mode store.
func (e *Engine) ActiveCounts(ctx context.Context) (map[string]int, error) {
	return e.repo.ActiveCounts(ctx)
}
