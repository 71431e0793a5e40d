package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type Assignment struct {
	SessionID string `json:"session_id"`
	StaffID   string `json:"staff_id"`
}

// boosted reports whether s ranks in the front tier of the queue.
func (e *Engine) boosted(s Session, now time.Time) bool {
	return s.Priority || s.Escalated || e.recoveryBoostActive(s, now)
}

func (e *Engine) recoveryBoostActive(s Session, now time.Time) bool {
	if !s.RecoveryBoost {
		return false
	}
	if e.cfg.RecoveryBoostTTL <= 0 {
		return true
	}
	return s.LastRecoveredAt != nil && now.Sub(*s.LastRecoveredAt) < e.cfg.RecoveryBoostTTL
}

// rank orders waiting sessions: boosted before not boosted, then by
// creation time, then by id so the order is total.
func (e *Engine) rank(sessions []Session, now time.Time) {
	sort.SliceStable(sessions, func(i, j int) bool {
		bi, bj := e.boosted(sessions[i], now), e.boosted(sessions[j], now)
		if bi != bj {
			return bi
		}
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// Queue returns the waiting sessions in rank order.
func (e *Engine) Queue(ctx context.Context) ([]Session, error) {
	waiting, err := e.repo.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	e.rank(waiting, e.clock.Now())
	return waiting, nil
}

// recomputeLocked re-ranks the whole waiting set and stores every
// position that moved. Must hold e.mu.
func (e *Engine) recomputeLocked(ctx context.Context, now time.Time) ([]Session, error) {
	waiting, err := e.repo.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	e.rank(waiting, now)

	for i := range waiting {
		pos := i + 1
		if p := waiting[i].QueuePosition; p != nil && *p == pos {
			continue
		}
		updated, err := e.repo.Update(ctx, waiting[i].ID, func(s *Session) error {
			if s.Status != StatusWaiting {
				return errNoChange
			}
			s.QueuePosition = &pos
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("set position %s: %w", waiting[i].ID, err)
		}
		waiting[i] = *updated
	}

	e.metrics.SetQueueDepth(len(waiting))
	return waiting, nil
}

// enqueuedLocked recomputes positions and returns the session as it now
// stands in the queue.
func (e *Engine) enqueuedLocked(ctx context.Context, now time.Time, id string) (*Session, error) {
	waiting, err := e.recomputeLocked(ctx, now)
	if err != nil {
		return nil, err
	}
	for i := range waiting {
		if waiting[i].ID == id {
			return &waiting[i], nil
		}
	}
	return e.repo.Get(ctx, id)
}

// TryAssign matches waiting sessions to staff, highest ranked first. A
// session nobody can take stays waiting; that is not an error, and lower
// ranked sessions may still be served by staff the head cannot use.
func (e *Engine) TryAssign(ctx context.Context) ([]Assignment, error) {
	e.mu.Lock()
	ob, out, err := e.tryAssignLocked(ctx)
	e.mu.Unlock()

	e.flush(ctx, ob)
	return out, err
}

func (e *Engine) tryAssignLocked(ctx context.Context) (outbox, []Assignment, error) {
	now := e.clock.Now()
	var ob outbox

	waiting, err := e.recomputeLocked(ctx, now)
	if err != nil || len(waiting) == 0 {
		return ob, nil, err
	}

	anyone, err := e.candidates(ctx, workmode.Filter{})
	if err != nil || len(anyone) == 0 {
		return ob, nil, err
	}

	var out []Assignment
	for _, s := range waiting {
		cands, err := e.candidates(ctx, workmode.Filter{Escalated: s.Escalated, Priority: s.Priority})
		if err != nil {
			return ob, out, err
		}
		staff, ok := pickStaff(cands, s.PreviouslyAssignedTo)
		if !ok {
			continue
		}

		updated, err := e.repo.Update(ctx, s.ID, func(cur *Session) error {
			if cur.Status != StatusWaiting {
				return errNoChange
			}
			cur.toActive(staff.StaffID, now)
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			return ob, out, fmt.Errorf("assign %s: %w", s.ID, err)
		}
		if err := e.staff.Touch(ctx, staff.StaffID); err != nil {
			e.log.Warn("touch staff failed", zap.String("staff_id", staff.StaffID), zap.Error(err))
		}

		out = append(out, Assignment{SessionID: s.ID, StaffID: staff.StaffID})
		ob.add(events.SessionAssigned, *updated, now)
		e.metrics.Assigned()
		e.log.Info("session assigned",
			zap.String("session_id", s.ID),
			zap.String("staff_id", staff.StaffID),
			zap.Int("staff_load", staff.ActiveSessions+1),
		)
	}

	if len(out) > 0 {
		if _, err := e.recomputeLocked(ctx, now); err != nil {
			return ob, out, err
		}
	}
	return ob, out, nil
}

// candidates returns eligible staff that are not offline.
func (e *Engine) candidates(ctx context.Context, f workmode.Filter) ([]workmode.Candidate, error) {
	cands, err := e.staff.EligibleStaff(ctx, f)
	if err != nil {
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		p, err := e.presence.GetPresence(ctx, c.StaffID)
		if err != nil {
			e.log.Warn("presence lookup failed", zap.String("staff_id", c.StaffID), zap.Error(err))
			continue
		}
		if p.Effective() == presence.StatusOffline {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// pickStaff chooses the least loaded candidate, breaking ties by whoever
// has been idle longest. The staff member who just handed the session
// back is only picked when nobody else can take it.
func pickStaff(cands []workmode.Candidate, previous *string) (workmode.Candidate, bool) {
	if len(cands) == 0 {
		return workmode.Candidate{}, false
	}
	sorted := make([]workmode.Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ActiveSessions != b.ActiveSessions {
			return a.ActiveSessions < b.ActiveSessions
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		return a.StaffID < b.StaffID
	})

	if previous != nil {
		for _, c := range sorted {
			if c.StaffID != *previous {
				return c, true
			}
		}
	}
	return sorted[0], true
}

// Assign lets a staff member pull a waiting session by hand. Unlike
// TryAssign it accepts ticketing_only staff, but still refuses away and
// break and still enforces the concurrent session limit.
func (e *Engine) Assign(ctx context.Context, actor auth.User, sessionID, staffID string) (*Session, error) {
	const op = "assign"
	if actor.ID != staffID && !e.can(actor, auth.ForceDisconnect) {
		return nil, apperr.Forbidden(op, actor.ID, string(auth.ForceDisconnect))
	}

	e.mu.Lock()
	ob, s, err := e.assignLocked(ctx, sessionID, staffID)
	e.mu.Unlock()

	e.flush(ctx, ob)
	return s, err
}

func (e *Engine) assignLocked(ctx context.Context, sessionID, staffID string) (outbox, *Session, error) {
	const op = "assign"
	var ob outbox
	now := e.clock.Now()

	cand, err := e.staff.Load(ctx, staffID)
	if errors.Is(err, apperr.ErrNotFound) {
		return ob, nil, apperr.Ineligible(op, staffID, "no work mode set")
	}
	if err != nil {
		return ob, nil, err
	}
	if !cand.Mode.Pullable() {
		return ob, nil, apperr.Ineligible(op, staffID, "mode %s takes no chats", cand.Mode)
	}
	if cand.ActiveSessions >= cand.MaxConcurrentSessions {
		return ob, nil, apperr.CapacityExceeded(op, staffID, cand.ActiveSessions, cand.MaxConcurrentSessions)
	}

	updated, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusWaiting {
			return apperr.InvalidTransition(op, "session", s.ID, "status is %s", s.Status)
		}
		s.toActive(staffID, now)
		return nil
	})
	if err != nil {
		return ob, nil, err
	}
	if err := e.staff.Touch(ctx, staffID); err != nil {
		e.log.Warn("touch staff failed", zap.String("staff_id", staffID), zap.Error(err))
	}
	if _, err := e.recomputeLocked(ctx, now); err != nil {
		return ob, nil, err
	}

	ob.add(events.SessionAssigned, *updated, now)
	e.metrics.Assigned()
	e.log.Info("session pulled", zap.String("session_id", sessionID), zap.String("staff_id", staffID))
	return ob, updated, nil
}

// RemoveFromQueue abandons a waiting session. Abandoned, not ended: nobody
// ever answered it.
func (e *Engine) RemoveFromQueue(ctx context.Context, actor auth.User, sessionID, reason string) (*Session, error) {
	const op = "remove_from_queue"
	if !e.can(actor, auth.ForceDisconnect) {
		return nil, apperr.Forbidden(op, actor.ID, string(auth.ForceDisconnect))
	}
	if reason == "" {
		reason = ReasonAdminRemoved
	}

	e.mu.Lock()
	var ob outbox
	s, err := e.abandonWaitingLocked(ctx, &ob, sessionID, reason)
	e.mu.Unlock()

	e.flush(ctx, ob)
	return s, err
}

func (e *Engine) abandonWaitingLocked(ctx context.Context, ob *outbox, sessionID, reason string) (*Session, error) {
	now := e.clock.Now()
	updated, err := e.repo.Update(ctx, sessionID, func(s *Session) error {
		if s.Status != StatusWaiting {
			return apperr.InvalidTransition("remove_from_queue", "session", s.ID, "status is %s", s.Status)
		}
		s.close(StatusAbandoned, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.recomputeLocked(ctx, now); err != nil {
		return nil, err
	}

	ob.add(events.SessionAbandoned, *updated, now)
	e.metrics.SessionAbandoned(reason)
	e.log.Info("session abandoned", zap.String("session_id", sessionID), zap.String("reason", reason))
	return updated, nil
}

type TimeoutResult struct {
	Escalated []string `json:"escalated"`
	Abandoned []string `json:"abandoned"`
}

// CheckTimeouts applies the queue time limits. A session past
// MaxQueueTime is escalated exactly once when escalation is on and
// abandoned otherwise; past HardTimeout it is abandoned either way.
func (e *Engine) CheckTimeouts(ctx context.Context) (TimeoutResult, error) {
	e.mu.Lock()
	ob, res, err := e.checkTimeoutsLocked(ctx)
	e.mu.Unlock()

	e.flush(ctx, ob)
	return res, err
}

func (e *Engine) checkTimeoutsLocked(ctx context.Context) (outbox, TimeoutResult, error) {
	var (
		ob  outbox
		res TimeoutResult
	)
	now := e.clock.Now()

	waiting, err := e.repo.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return ob, res, fmt.Errorf("list waiting: %w", err)
	}

	for _, s := range waiting {
		waited := now.Sub(s.EnqueuedAt)
		switch {
		case e.cfg.HardTimeout > 0 && waited > e.cfg.HardTimeout:
			if _, err := e.abandonWaitingLocked(ctx, &ob, s.ID, ReasonHardTimeout); err != nil {
				if apperr.KindOf(err) == apperr.KindInvalidTransition {
					continue
				}
				return ob, res, err
			}
			res.Abandoned = append(res.Abandoned, s.ID)

		case e.cfg.MaxQueueTime > 0 && waited > e.cfg.MaxQueueTime && !e.cfg.EscalateUnassigned:
			if _, err := e.abandonWaitingLocked(ctx, &ob, s.ID, ReasonQueueTimeout); err != nil {
				if apperr.KindOf(err) == apperr.KindInvalidTransition {
					continue
				}
				return ob, res, err
			}
			res.Abandoned = append(res.Abandoned, s.ID)

		case e.cfg.MaxQueueTime > 0 && waited > e.cfg.MaxQueueTime && !s.Escalated:
			updated, err := e.repo.Update(ctx, s.ID, func(cur *Session) error {
				if cur.Status != StatusWaiting || cur.Escalated {
					return errNoChange
				}
				cur.Escalated = true
				cur.EscalatedAt = &now
				return nil
			})
			if errors.Is(err, errNoChange) {
				continue
			}
			if err != nil {
				return ob, res, fmt.Errorf("escalate %s: %w", s.ID, err)
			}
			res.Escalated = append(res.Escalated, s.ID)
			ob.add(events.SessionEscalated, *updated, now)
			e.metrics.Escalated()
			e.log.Info("session escalated", zap.String("session_id", s.ID), zap.Duration("waited", waited))
		}
	}

	assignOb, _, err := e.tryAssignLocked(ctx)
	ob = append(ob, assignOb...)
	return ob, res, err
}
