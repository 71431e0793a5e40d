package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/metrics"
)

type Config struct {
	// MaxQueueTime is max_queue_time_minutes: past it a waiting session
	// is escalated once, or abandoned when escalation is off.
	MaxQueueTime       time.Duration
	EscalateUnassigned bool
	// HardTimeout abandons a waiting session regardless of escalation.
	// Zero disables it.
	HardTimeout   time.Duration
	CheckInterval time.Duration

	// GuestTimeout is how long a visitor may go without a heartbeat.
	// Zero disables guest reaping.
	GuestTimeout              time.Duration
	ReassignOnStaffDisconnect bool

	RecoveryWindow time.Duration
	// RecoveryBoostTTL bounds how long a recovered session ranks as
	// boosted. Zero keeps the boost for the life of the session.
	RecoveryBoostTTL time.Duration
}

// Engine owns the waiting set and every chat session transition. Queue
// mutations and assignments run under one mutex so two assignment
// passes can never hand the same staff member more sessions than their
// limit; per-session writes are additionally serialized by the store.
type Engine struct {
	repo       Repo
	presence   PresenceReader
	staff      StaffDirectory
	clock      clock.Clock
	pub        events.Publisher
	checker    auth.Checker
	metrics    *metrics.Metrics
	log        *zap.Logger
	cfg        Config
	summarizer Summarizer

	mu sync.Mutex
}

func NewEngine(
	repo Repo,
	presence PresenceReader,
	staff StaffDirectory,
	clk clock.Clock,
	pub events.Publisher,
	checker auth.Checker,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		repo:     repo,
		presence: presence,
		staff:    staff,
		clock:    clk,
		pub:      pub,
		checker:  checker,
		metrics:  m,
		log:      log.Named("chat"),
		cfg:      cfg,
	}
}

// WithSummarizer enables handoff notes on return to queue.
func (e *Engine) WithSummarizer(s Summarizer) *Engine {
	e.summarizer = s
	return e
}

// errNoChange aborts a store update without it being a failure.
var errNoChange = errors.New("no change")

// outbox collects events produced under the engine lock; they are
// published after it is released so subscribers may call back in.
type outbox []events.Event

func (o *outbox) add(t events.Type, s Session, at time.Time) {
	*o = append(*o, events.Event{Type: t, Subject: s.ID, Payload: s, At: at})
}

func (e *Engine) flush(ctx context.Context, ob outbox) {
	for _, ev := range ob {
		e.pub.Publish(ctx, ev)
	}
}

func (e *Engine) can(actor auth.User, c auth.Capability) bool {
	return e.checker.Can(actor, c)
}
