package workmode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/keymutex"
	"github.com/Vovarama1992/livedesk/internal/metrics"
)

type Service struct {
	repo       Repo
	counter    SessionCounter
	clock      clock.Clock
	pub        events.Publisher
	checker    auth.Checker
	metrics    *metrics.Metrics
	log        *zap.Logger
	locks      *keymutex.KeyMutex
	defaultMax int
}

func NewService(repo Repo, counter SessionCounter, clk clock.Clock, pub events.Publisher, checker auth.Checker, m *metrics.Metrics, log *zap.Logger, defaultMax int) *Service {
	if defaultMax < 1 {
		defaultMax = 1
	}
	return &Service{
		repo:       repo,
		counter:    counter,
		clock:      clk,
		pub:        pub,
		checker:    checker,
		metrics:    m,
		log:        log.Named("workmode"),
		locks:      keymutex.New(),
		defaultMax: defaultMax,
	}
}

// SetWorkMode changes the mode and options of staffID. Changing someone
// else's mode needs the manage_work_modes capability. Changes for one
// staff member apply in the order they are received, and the history
// entry is written before the next change may start.
func (s *Service) SetWorkMode(ctx context.Context, actor auth.User, staffID string, mode Mode, opts Options) (*Record, error) {
	if actor.ID != staffID && !s.checker.Can(actor, auth.ManageWorkModes) {
		return nil, apperr.Forbidden("set_work_mode", actor.ID, string(auth.ManageWorkModes))
	}
	if !mode.Valid() {
		return nil, apperr.Invalid("set_work_mode", "unknown mode %q", mode)
	}
	if opts.MaxConcurrentSessions != nil && *opts.MaxConcurrentSessions < 1 {
		return nil, apperr.Invalid("set_work_mode", "max_concurrent_sessions must be at least 1")
	}

	unlock := s.locks.Lock(staffID)
	defer unlock()

	now := s.clock.Now()
	var change *Change
	rec, err := s.repo.Update(ctx, staffID, func(r *Record) error {
		if !r.Exists {
			*r = s.defaults(staffID, now)
		}
		if r.Mode != mode {
			change = &Change{
				StaffID:     staffID,
				OldMode:     r.Mode,
				NewMode:     mode,
				TimeInPrior: now.Sub(r.ModeSince),
				At:          now,
			}
			r.Mode = mode
			r.ModeSince = now
		}
		applyOptions(r, opts)
		r.LastActivity = now
		r.Exists = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set work mode %s: %w", staffID, err)
	}

	if change != nil {
		if err := s.repo.AppendChange(ctx, *change); err != nil {
			s.log.Warn("mode history append failed", zap.String("staff_id", staffID), zap.Error(err))
		}
		s.metrics.ModeChanged(string(mode))
		s.log.Info("work mode changed",
			zap.String("staff_id", staffID),
			zap.String("from", string(change.OldMode)),
			zap.String("to", string(change.NewMode)),
			zap.Duration("time_in_prior", change.TimeInPrior),
		)
	}

	s.pub.Publish(ctx, events.Event{
		Type:    events.WorkModeChanged,
		Subject: staffID,
		Payload: *rec,
		At:      now,
	})
	return rec, nil
}

func (s *Service) GetWorkMode(ctx context.Context, staffID string) (*Record, error) {
	return s.repo.Get(ctx, staffID)
}

// Touch records assignment activity so the longest-idle tie break moves on
// to someone else next time.
func (s *Service) Touch(ctx context.Context, staffID string) error {
	now := s.clock.Now()
	_, err := s.repo.Update(ctx, staffID, func(r *Record) error {
		if !r.Exists {
			return apperr.NotFound("touch_work_mode", "work_mode", staffID)
		}
		r.LastActivity = now
		return nil
	})
	return err
}

// EligibleStaff returns every staff member that may receive an automatic
// assignment for a session matching f. An empty result is not an error.
func (s *Service) EligibleStaff(ctx context.Context, f Filter) ([]Candidate, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list work modes: %w", err)
	}
	counts, err := s.activeCounts(ctx)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, r := range records {
		active := counts[r.StaffID]
		if Eligible(r, active, f) {
			out = append(out, Candidate{Record: r, ActiveSessions: active})
		}
	}
	return out, nil
}

// Load returns a staff member's record with their active session count.
func (s *Service) Load(ctx context.Context, staffID string) (*Candidate, error) {
	rec, err := s.repo.Get(ctx, staffID)
	if err != nil {
		return nil, err
	}
	counts, err := s.activeCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &Candidate{Record: *rec, ActiveSessions: counts[staffID]}, nil
}

func (s *Service) activeCounts(ctx context.Context) (map[string]int, error) {
	if s.counter == nil {
		return map[string]int{}, nil
	}
	counts, err := s.counter.ActiveCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active sessions: %w", err)
	}
	return counts, nil
}

func (s *Service) defaults(staffID string, now time.Time) Record {
	return Record{
		StaffID:               staffID,
		Mode:                  ModeAway,
		AutoAcceptEnabled:     true,
		MaxConcurrentSessions: s.defaultMax,
		AcceptsEscalated:      true,
		AcceptsPriority:       true,
		LastActivity:          now,
		ModeSince:             now,
	}
}

func applyOptions(r *Record, o Options) {
	if o.AutoAcceptEnabled != nil {
		r.AutoAcceptEnabled = *o.AutoAcceptEnabled
	}
	if o.MaxConcurrentSessions != nil {
		r.MaxConcurrentSessions = *o.MaxConcurrentSessions
	}
	if o.AcceptsEscalated != nil {
		r.AcceptsEscalated = *o.AcceptsEscalated
	}
	if o.AcceptsPriority != nil {
		r.AcceptsPriority = *o.AcceptsPriority
	}
}
