// Package desk composes the presence, work mode, queue and call engines
// into the operations exposed over HTTP. It is also where a change in
// staff availability turns into a new assignment pass.
package desk

import (
	"context"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/call"
	"github.com/Vovarama1992/livedesk/internal/chat"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type Service struct {
	Presence  *presence.Service
	Sweeper   *presence.Sweeper
	WorkModes *workmode.Service
	Chat      *chat.Engine
	Calls     *call.Engine

	checker auth.Checker
	log     *zap.Logger
}

func NewService(pres *presence.Service, sweeper *presence.Sweeper, modes *workmode.Service, chatEngine *chat.Engine, calls *call.Engine, checker auth.Checker, log *zap.Logger) *Service {
	s := &Service{
		Presence:  pres,
		Sweeper:   sweeper,
		WorkModes: modes,
		Chat:      chatEngine,
		Calls:     calls,
		checker:   checker,
		log:       log.Named("desk"),
	}
	sweeper.OnDemoted = s.staffWentOffline
	return s
}

func (s *Service) SetPresence(ctx context.Context, userID string, status presence.Status, message *string) (*presence.Record, error) {
	rec, err := s.Presence.SetPresence(ctx, userID, status, message)
	if err != nil {
		return nil, err
	}
	s.availabilityChanged(ctx, rec.Effective())
	return rec, nil
}

func (s *Service) ApplyAdminOverride(ctx context.Context, actor auth.User, userID string, status presence.Status, reason string) (*presence.Record, error) {
	rec, err := s.Presence.ApplyAdminOverride(ctx, actor, userID, status, reason)
	if err != nil {
		return nil, err
	}
	s.availabilityChanged(ctx, rec.Effective())
	return rec, nil
}

func (s *Service) ClearOverride(ctx context.Context, actor auth.User, userID string) (*presence.Record, error) {
	rec, err := s.Presence.ClearOverride(ctx, actor, userID)
	if err != nil {
		return nil, err
	}
	s.availabilityChanged(ctx, rec.Effective())
	return rec, nil
}

func (s *Service) SetVisibility(ctx context.Context, userID string, status *presence.Status) (*presence.Record, error) {
	rec, err := s.Presence.SetVisibility(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	s.availabilityChanged(ctx, rec.Effective())
	return rec, nil
}

func (s *Service) ForceCleanup(ctx context.Context, actor auth.User) (presence.SweepResult, error) {
	return s.Sweeper.ForceCleanup(ctx, actor)
}

func (s *Service) SetWorkMode(ctx context.Context, actor auth.User, staffID string, mode workmode.Mode, opts workmode.Options) (*workmode.Record, error) {
	rec, err := s.WorkModes.SetWorkMode(ctx, actor, staffID, mode, opts)
	if err != nil {
		return nil, err
	}
	if rec.Mode.AutoAssignable() {
		s.assign(ctx)
	}
	return rec, nil
}

// Queue lists waiting sessions in rank order for staff with view_queue.
func (s *Service) Queue(ctx context.Context, actor auth.User) ([]chat.Session, error) {
	if !s.checker.Can(actor, auth.ViewQueue) {
		return nil, apperr.Forbidden("view_queue", actor.ID, string(auth.ViewQueue))
	}
	return s.Chat.Queue(ctx)
}

// availabilityChanged reacts to a presence write. Going offline may
// strand active sessions; anything else may open capacity.
func (s *Service) availabilityChanged(ctx context.Context, effective presence.Status) {
	if effective == presence.StatusOffline {
		s.staffWentOffline(ctx, nil)
		return
	}
	s.assign(ctx)
}

func (s *Service) staffWentOffline(ctx context.Context, _ []string) {
	if _, err := s.Chat.ReapStale(ctx); err != nil {
		s.log.Error("reap after staff offline failed", zap.Error(err))
	}
}

func (s *Service) assign(ctx context.Context) {
	if _, err := s.Chat.TryAssign(ctx); err != nil {
		s.log.Error("assignment pass failed", zap.Error(err))
	}
}
