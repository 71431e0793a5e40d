package presence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
)

type Service struct {
	repo    Repo
	clock   clock.Clock
	pub     events.Publisher
	checker auth.Checker
	log     *zap.Logger
}

func NewService(repo Repo, clk clock.Clock, pub events.Publisher, checker auth.Checker, log *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		clock:   clk,
		pub:     pub,
		checker: checker,
		log:     log.Named("presence"),
	}
}

// SetPresence records a heartbeat or an explicit status change. A nil
// message keeps the current one.
func (s *Service) SetPresence(ctx context.Context, userID string, status Status, message *string) (*Record, error) {
	if !status.Valid() {
		return nil, apperr.Invalid("set_presence", "unknown status %q", status)
	}
	now := s.clock.Now()

	var before Record
	rec, err := s.repo.Update(ctx, userID, func(r *Record) error {
		before = r.clone()
		r.UserID = userID
		r.Status = status
		if message != nil {
			r.Message = *message
		}
		if now.After(r.LastActive) {
			r.LastActive = now
		}
		r.Exists = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set presence %s: %w", userID, err)
	}

	s.publishIfChanged(ctx, before, *rec)
	return rec, nil
}

// GetPresence never fails for an unknown user: it returns an offline
// record with Exists false.
func (s *Service) GetPresence(ctx context.Context, userID string) (*Record, error) {
	rec, err := s.repo.Get(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &Record{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence %s: %w", userID, err)
	}
	return rec, nil
}

func (s *Service) ApplyAdminOverride(ctx context.Context, actor auth.User, userID string, status Status, reason string) (*Record, error) {
	if !s.checker.Can(actor, auth.ForceDisconnect) {
		return nil, apperr.Forbidden("apply_admin_override", actor.ID, string(auth.ForceDisconnect))
	}
	if !status.Valid() {
		return nil, apperr.Invalid("apply_admin_override", "unknown status %q", status)
	}
	now := s.clock.Now()

	var before Record
	rec, err := s.repo.Update(ctx, userID, func(r *Record) error {
		before = r.clone()
		r.UserID = userID
		if !r.Exists {
			r.Status = StatusOffline
			r.Exists = true
		}
		r.AdminOverride = &Override{Status: status, Reason: reason, SetBy: actor.ID, SetAt: now}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply override %s: %w", userID, err)
	}

	s.log.Info("admin override applied",
		zap.String("user_id", userID),
		zap.String("status", string(status)),
		zap.String("by", actor.ID),
		zap.String("reason", reason),
	)
	s.publishIfChanged(ctx, before, *rec)
	return rec, nil
}

func (s *Service) ClearOverride(ctx context.Context, actor auth.User, userID string) (*Record, error) {
	if !s.checker.Can(actor, auth.ForceDisconnect) {
		return nil, apperr.Forbidden("clear_override", actor.ID, string(auth.ForceDisconnect))
	}
	if _, err := s.repo.Get(ctx, userID); err != nil {
		return nil, err
	}

	var before Record
	rec, err := s.repo.Update(ctx, userID, func(r *Record) error {
		before = r.clone()
		r.AdminOverride = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear override %s: %w", userID, err)
	}
	s.publishIfChanged(ctx, before, *rec)
	return rec, nil
}

// SetVisibility lets a user appear with a different status than the one
// their client reports. nil removes it.
func (s *Service) SetVisibility(ctx context.Context, userID string, status *Status) (*Record, error) {
	if status != nil && !status.Valid() {
		return nil, apperr.Invalid("set_visibility", "unknown status %q", *status)
	}
	now := s.clock.Now()

	var before Record
	rec, err := s.repo.Update(ctx, userID, func(r *Record) error {
		before = r.clone()
		r.UserID = userID
		if !r.Exists {
			r.Status = StatusOnline
			r.LastActive = now
			r.Exists = true
		}
		r.VisibilityOverride = status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set visibility %s: %w", userID, err)
	}
	s.publishIfChanged(ctx, before, *rec)
	return rec, nil
}

// ListOnline returns every record whose effective status is not offline.
func (s *Service) ListOnline(ctx context.Context) ([]Record, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := all[:0]
	for _, r := range all {
		if r.Effective() != StatusOffline {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) publishIfChanged(ctx context.Context, before, after Record) {
	if before.Exists && before.Effective() == after.Effective() && before.Message == after.Message {
		return
	}
	s.pub.Publish(ctx, events.Event{
		Type:    events.PresenceChanged,
		Subject: after.UserID,
		Payload: after,
		At:      s.clock.Now(),
	})
}
