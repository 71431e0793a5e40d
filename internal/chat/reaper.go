package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/presence"
)

type ReapResult struct {
	Missed    []string `json:"missed"`
	Abandoned []string `json:"abandoned"`
	Requeued  []string `json:"requeued"`
}

// ReapStale closes sessions whose visitor stopped sending heartbeats and,
// when enabled, puts sessions of offline staff back in the queue.
func (e *Engine) ReapStale(ctx context.Context) (ReapResult, error) {
	e.mu.Lock()
	ob, res, err := e.reapLocked(ctx)
	e.mu.Unlock()

	e.flush(ctx, ob)
	return res, err
}

func (e *Engine) reapLocked(ctx context.Context) (outbox, ReapResult, error) {
	var (
		ob  outbox
		res ReapResult
	)
	now := e.clock.Now()

	open, err := e.repo.ListByStatus(ctx, StatusWaiting, StatusActive)
	if err != nil {
		return ob, res, fmt.Errorf("list open: %w", err)
	}

	changed := false
	for _, s := range open {
		guestGone := e.cfg.GuestTimeout > 0 && now.Sub(s.GuestLastSeen) > e.cfg.GuestTimeout
		staffGone := false
		if !guestGone && s.Status == StatusActive && e.cfg.ReassignOnStaffDisconnect && s.AssignedTo != nil {
			staffGone = e.staffOffline(ctx, *s.AssignedTo)
		}
		if !guestGone && !staffGone {
			continue
		}

		var kind events.Type
		updated, err := e.repo.Update(ctx, s.ID, func(cur *Session) error {
			if cur.Status != s.Status {
				return errNoChange
			}
			switch {
			case guestGone && cur.Status == StatusWaiting:
				cur.close(StatusMissed, ReasonGuestLeft, now)
				kind = events.SessionMissed
			case guestGone:
				cur.close(StatusAbandoned, ReasonGuestTimeout, now)
				kind = events.SessionAbandoned
			default:
				cur.StaffDisconnectCount++
				cur.toWaiting(now)
				kind = events.SessionReturned
			}
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			e.log.Warn("reap failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}

		changed = true
		ob.add(kind, *updated, now)
		switch kind {
		case events.SessionMissed:
			res.Missed = append(res.Missed, s.ID)
		case events.SessionAbandoned:
			res.Abandoned = append(res.Abandoned, s.ID)
			e.metrics.SessionAbandoned(ReasonGuestTimeout)
		default:
			res.Requeued = append(res.Requeued, s.ID)
		}
		e.log.Info("stale session reaped",
			zap.String("session_id", s.ID),
			zap.String("from", string(s.Status)),
			zap.String("to", string(updated.Status)),
		)
	}

	if !changed {
		return ob, res, nil
	}
	assignOb, _, err := e.tryAssignLocked(ctx)
	return append(ob, assignOb...), res, err
}

func (e *Engine) staffOffline(ctx context.Context, staffID string) bool {
	p, err := e.presence.GetPresence(ctx, staffID)
	if err != nil {
		e.log.Warn("presence lookup failed", zap.String("staff_id", staffID), zap.Error(err))
		return false
	}
	return p.Effective() == presence.StatusOffline
}

// Run checks queue timeouts and stale sessions every CheckInterval until
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := e.clock.NewTicker(e.cfg.CheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.CheckTimeouts(ctx); err != nil {
				e.log.Error("queue timeout check failed", zap.Error(err))
			}
			if _, err := e.ReapStale(ctx); err != nil {
				e.log.Error("stale session reap failed", zap.Error(err))
			}
		}
	}
}
