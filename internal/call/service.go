package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/metrics"
	"github.com/Vovarama1992/livedesk/internal/presence"
)

type Engine struct {
	repo        Repo
	presence    PresenceReader
	clock       clock.Clock
	pub         events.Publisher
	checker     auth.Checker
	metrics     *metrics.Metrics
	log         *zap.Logger
	ringTimeout time.Duration
}

func NewEngine(repo Repo, presence PresenceReader, clk clock.Clock, pub events.Publisher, checker auth.Checker, m *metrics.Metrics, log *zap.Logger, ringTimeout time.Duration) *Engine {
	return &Engine{
		repo:        repo,
		presence:    presence,
		clock:       clk,
		pub:         pub,
		checker:     checker,
		metrics:     m,
		log:         log.Named("call"),
		ringTimeout: ringTimeout,
	}
}

// Initiate starts ringing everyone in participants. The initiator is
// joined from the start.
func (e *Engine) Initiate(ctx context.Context, initiator string, participants []string, t Type, chatSessionID string) (*Session, error) {
	const op = "initiate_call"
	if initiator == "" {
		return nil, apperr.Invalid(op, "initiator required")
	}
	if !t.Valid() {
		return nil, apperr.Invalid(op, "unknown call type %q", t)
	}

	now := e.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Initiator: initiator,
		Type:      t,
		Status:    StatusRinging,
		StartedAt: now,
		Participants: []Participant{
			{UserID: initiator, JoinedAt: &now, Quality: QualityUnknown},
		},
	}
	seen := map[string]bool{initiator: true}
	for _, id := range participants {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.Participants = append(s.Participants, Participant{UserID: id, Quality: QualityUnknown})
	}
	if len(s.Participants) < 2 {
		return nil, apperr.Invalid(op, "a call needs at least one participant besides the initiator")
	}
	if chatSessionID != "" {
		s.ChatSessionID = &chatSessionID
	}

	if err := e.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	e.metrics.CallTransition(string(StatusRinging))
	e.log.Info("call initiated",
		zap.String("call_id", s.ID),
		zap.String("initiator", initiator),
		zap.String("type", string(t)),
		zap.Int("participants", len(s.Participants)),
	)
	e.publish(ctx, *s, now)
	return s, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*Session, error) {
	return e.repo.Get(ctx, id)
}

// Answer makes a ringing call active. Other participants may answer
// later through Join.
func (e *Engine) Answer(ctx context.Context, callID, userID string) (*Session, error) {
	const op = "answer_call"
	return e.mutate(ctx, callID, func(s *Session, now time.Time) error {
		if s.Status != StatusRinging {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		p, err := rosterEntry(op, s, userID)
		if err != nil {
			return err
		}
		if !p.Pending() {
			return apperr.InvalidTransition(op, "call", s.ID, "participant %s is not pending", userID)
		}
		p.JoinedAt = &now
		s.Status = StatusActive
		s.AnsweredAt = &now
		return nil
	})
}

// Join brings a roster member into an already active call, for a late
// answer or a rejoin after leaving.
func (e *Engine) Join(ctx context.Context, callID, userID string) (*Session, error) {
	const op = "join_call"
	s, err := e.mutate(ctx, callID, func(s *Session, now time.Time) error {
		if s.Status != StatusActive {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		p, err := rosterEntry(op, s, userID)
		if err != nil {
			return err
		}
		if p.Joined() {
			return errUnchanged
		}
		if p.DeclinedAt != nil {
			return apperr.InvalidTransition(op, "call", s.ID, "participant %s declined", userID)
		}
		p.JoinedAt = &now
		p.LeftAt = nil
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return e.repo.Get(ctx, callID)
	}
	return s, err
}

// Decline turns the call down for userID. When nobody but the initiator
// is left on a ringing call it is missed.
func (e *Engine) Decline(ctx context.Context, callID, userID, reason string) (*Session, error) {
	const op = "decline_call"
	if reason == "" {
		reason = DeclineReasonDefault
	}
	return e.mutate(ctx, callID, func(s *Session, now time.Time) error {
		if s.Status.Terminal() {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		p, err := rosterEntry(op, s, userID)
		if err != nil {
			return err
		}
		if !p.Pending() {
			return apperr.InvalidTransition(op, "call", s.ID, "participant %s is not pending", userID)
		}
		p.DeclinedAt = &now
		p.LeftAt = &now
		p.DeclineReason = reason

		if s.Status == StatusRinging {
			if _, pending := s.counts(); pending == 0 {
				finish(s, StatusMissed, ReasonAllDeclined, "", now)
			}
			return nil
		}
		settleActive(s, now)
		return nil
	})
}

// Leave takes a joined participant out of an active call. The call ends
// once fewer than two people could still be talking.
func (e *Engine) Leave(ctx context.Context, callID, userID string) (*Session, error) {
	const op = "leave_call"
	return e.mutate(ctx, callID, func(s *Session, now time.Time) error {
		if s.Status != StatusActive {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		p, err := rosterEntry(op, s, userID)
		if err != nil {
			return err
		}
		if !p.Joined() {
			return apperr.InvalidTransition(op, "call", s.ID, "participant %s is not in the call", userID)
		}
		p.LeftAt = &now
		settleActive(s, now)
		return nil
	})
}

// End hangs up for everyone. Any live participant, the initiator or a
// holder of manage_calls may do it; ending a finished call is an error so
// racing callers can tell who won.
func (e *Engine) End(ctx context.Context, actor auth.User, callID, reason string) (*Session, error) {
	const op = "end_call"
	if reason == "" {
		reason = ReasonEnded
	}
	return e.mutate(ctx, callID, func(s *Session, now time.Time) error {
		if s.Status.Terminal() {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		if !e.mayEnd(s, actor) {
			return apperr.Forbidden(op, actor.ID, string(auth.ManageCalls))
		}
		finish(s, StatusEnded, reason, actor.ID, now)
		return nil
	})
}

func (e *Engine) mayEnd(s *Session, actor auth.User) bool {
	if actor.ID == s.Initiator || e.checker.Can(actor, auth.ManageCalls) {
		return true
	}
	p := s.participant(actor.ID)
	return p != nil && (p.Joined() || p.Pending())
}

func (e *Engine) UpdateQuality(ctx context.Context, callID, userID string, q Quality) (*Session, error) {
	const op = "update_call_quality"
	if !q.Valid() {
		return nil, apperr.Invalid(op, "unknown quality %q", q)
	}
	return e.mutate(ctx, callID, func(s *Session, _ time.Time) error {
		if s.Status != StatusActive {
			return apperr.InvalidTransition(op, "call", s.ID, "status is %s", s.Status)
		}
		p, err := rosterEntry(op, s, userID)
		if err != nil {
			return err
		}
		if !p.Joined() {
			return apperr.InvalidTransition(op, "call", s.ID, "participant %s is not in the call", userID)
		}
		p.Quality = q
		return nil
	})
}

// GetStatus returns the call with its counts and talk time as of now.
func (e *Engine) GetStatus(ctx context.Context, callID string) (*View, error) {
	s, err := e.repo.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	v := &View{
		Call:            *s,
		Total:           len(s.Participants),
		DurationSeconds: int64(s.Duration(now).Seconds()),
		Presence:        make(map[string]presence.Status, len(s.Participants)),
	}
	for _, p := range s.Participants {
		switch {
		case p.DeclinedAt != nil:
			v.Declined++
		case p.Joined():
			v.Joined++
		case p.Pending():
			v.Pending++
		default:
			v.Left++
		}
		if e.presence == nil {
			continue
		}
		rec, err := e.presence.GetPresence(ctx, p.UserID)
		if err != nil {
			e.log.Warn("presence lookup failed", zap.String("user_id", p.UserID), zap.Error(err))
			continue
		}
		v.Presence[p.UserID] = rec.Effective()
	}
	return v, nil
}

// ExpireRinging marks calls nobody answered within the ring timeout as
// missed.
func (e *Engine) ExpireRinging(ctx context.Context) ([]string, error) {
	ringing, err := e.repo.ListByStatus(ctx, StatusRinging)
	if err != nil {
		return nil, fmt.Errorf("list ringing: %w", err)
	}

	var expired []string
	for _, c := range ringing {
		if e.clock.Now().Sub(c.StartedAt) < e.ringTimeout {
			continue
		}
		_, err := e.mutate(ctx, c.ID, func(s *Session, now time.Time) error {
			if s.Status != StatusRinging {
				return errUnchanged
			}
			finish(s, StatusMissed, ReasonRingTimeout, "", now)
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			e.log.Warn("expire ringing call failed", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		expired = append(expired, c.ID)
	}
	return expired, nil
}

// Run expires ringing calls a few times per ring timeout until ctx is
// done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.ringTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	t := e.clock.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := e.ExpireRinging(ctx); err != nil {
				e.log.Error("ring expiry failed", zap.Error(err))
			}
		}
	}
}

// errUnchanged aborts an update that would not change anything.
var errUnchanged = errors.New("call unchanged")

func (e *Engine) mutate(ctx context.Context, callID string, fn func(s *Session, now time.Time) error) (*Session, error) {
	now := e.clock.Now()
	var before Status
	s, err := e.repo.Update(ctx, callID, func(s *Session) error {
		before = s.Status
		return fn(s, now)
	})
	if err != nil {
		return nil, err
	}

	if s.Status != before {
		e.metrics.CallTransition(string(s.Status))
		fields := []zap.Field{
			zap.String("call_id", s.ID),
			zap.String("from", string(before)),
			zap.String("to", string(s.Status)),
		}
		if s.Status.Terminal() {
			d := s.Duration(now)
			e.metrics.CallEnded(d.Hours())
			fields = append(fields, zap.String("reason", s.EndReason), zap.Duration("duration", d))
		}
		e.log.Info("call transition", fields...)
	}
	e.publish(ctx, *s, now)
	return s, nil
}

func (e *Engine) publish(ctx context.Context, s Session, at time.Time) {
	e.pub.Publish(ctx, events.Event{Type: events.CallStateChanged, Subject: s.ID, Payload: s, At: at})
}

func rosterEntry(op string, s *Session, userID string) (*Participant, error) {
	p := s.participant(userID)
	if p == nil {
		return nil, apperr.Forbidden(op, userID, "call_participant")
	}
	return p, nil
}

// settleActive ends an active call once nobody is left to talk to.
func settleActive(s *Session, now time.Time) {
	joined, pending := s.counts()
	if joined == 0 || (joined == 1 && pending == 0) {
		finish(s, StatusEnded, ReasonAllLeft, "", now)
	}
}

// finish closes the call and stamps everyone still in it as left.
func finish(s *Session, status Status, reason, by string, now time.Time) {
	for i := range s.Participants {
		if s.Participants[i].Joined() {
			s.Participants[i].LeftAt = &now
		}
	}
	s.Status = status
	s.EndedAt = &now
	s.EndReason = reason
	s.EndedBy = by
}
