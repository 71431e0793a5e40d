package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/metrics"
)

// SweeperConfig holds the two staleness thresholds. Routine is used by
// the background cycle; Aggressive by an administrator's force cleanup.
type SweeperConfig struct {
	Interval   time.Duration
	Routine    time.Duration
	Aggressive time.Duration
}

// Sweeper demotes records whose heartbeat expired. It never deletes.
type Sweeper struct {
	repo    Repo
	clock   clock.Clock
	pub     events.Publisher
	checker auth.Checker
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     SweeperConfig

	// OnDemoted, when set, is called once per sweep with the demoted
	// user ids.
	OnDemoted func(ctx context.Context, userIDs []string)
}

type SweepResult struct {
	Demoted []string `json:"demoted"`
	Failed  int      `json:"failed"`
}

func NewSweeper(repo Repo, clk clock.Clock, pub events.Publisher, checker auth.Checker, m *metrics.Metrics, log *zap.Logger, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		repo:    repo,
		clock:   clk,
		pub:     pub,
		checker: checker,
		metrics: m,
		log:     log.Named("sweeper"),
		cfg:     cfg,
	}
}

// Run sweeps with the routine threshold on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.cfg.Routine); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// ForceCleanup runs one sweep with the aggressive threshold.
func (s *Sweeper) ForceCleanup(ctx context.Context, actor auth.User) (SweepResult, error) {
	if !s.checker.Can(actor, auth.ForceDisconnect) {
		return SweepResult{}, apperr.Forbidden("force_cleanup", actor.ID, string(auth.ForceDisconnect))
	}
	s.log.Info("force cleanup requested", zap.String("by", actor.ID))
	return s.Sweep(ctx, s.cfg.Aggressive)
}

// Sweep demotes every record idle longer than threshold. Candidates are
// listed first and then updated one at a time, each under its own lock
// with staleness re-checked, so a heartbeat arriving mid-sweep wins. A
// failed record is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	now := s.clock.Now()
	cutoff := now.Add(-threshold)

	candidates, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale presence: %w", err)
	}

	var res SweepResult
	for _, userID := range candidates {
		if ctx.Err() != nil {
			break
		}
		demoted, err := s.demote(ctx, userID, cutoff)
		if err != nil {
			res.Failed++
			s.metrics.SweepFailed()
			s.log.Warn("demote failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if demoted {
			res.Demoted = append(res.Demoted, userID)
			s.metrics.Demoted()
		}
	}

	if len(res.Demoted) > 0 {
		s.log.Info("stale presence demoted",
			zap.Int("count", len(res.Demoted)),
			zap.Duration("threshold", threshold),
		)
		if s.OnDemoted != nil {
			s.OnDemoted(ctx, res.Demoted)
		}
	}
	return res, nil
}

func (s *Sweeper) demote(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	var before Record
	changed := false
	rec, err := s.repo.Update(ctx, userID, func(r *Record) error {
		before = r.clone()
		if !r.Exists || r.Status == StatusOffline || !r.LastActive.Before(cutoff) {
			return nil
		}
		r.Status = StatusOffline
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed && before.Effective() != rec.Effective() {
		s.pub.Publish(ctx, events.Event{
			Type:    events.PresenceChanged,
			Subject: userID,
			Payload: *rec,
			At:      s.clock.Now(),
		})
	}
	return changed, nil
}
