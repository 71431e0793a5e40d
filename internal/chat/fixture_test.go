package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/presence"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	admin = auth.User{ID: "root", Permissions: []string{"livechat.admin"}}
	vera  = Visitor{Name: "Vera Lind", Email: "vera@example.com"}
)

type fixture struct {
	engine   *Engine
	repo     *MemoryRepo
	presence *presence.Service
	modes    *workmode.Service
	clk      *clock.FakeClock
	rec      *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.RecoveryWindow == 0 {
		cfg.RecoveryWindow = 24 * time.Hour
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}

	clk := clock.Fake(t0)
	rec := &events.Recorder{}
	checker := auth.DefaultChecker()
	log := zap.NewNop()

	repo := NewMemoryRepo()
	pres := presence.NewService(presence.NewMemoryRepo(), clk, events.Discard{}, checker, log)
	modes := workmode.NewService(workmode.NewMemoryRepo(), repo, clk, events.Discard{}, checker, nil, log, 2)

	return &fixture{
		engine:   NewEngine(repo, pres, modes, clk, rec, checker, nil, log, cfg),
		repo:     repo,
		presence: pres,
		modes:    modes,
		clk:      clk,
		rec:      rec,
	}
}

func (f *fixture) staff(t *testing.T, id string, mode workmode.Mode, opts workmode.Options) {
	t.Helper()
	ctx := context.Background()
	_, err := f.presence.SetPresence(ctx, id, presence.StatusOnline, nil)
	require.NoError(t, err)
	_, err = f.modes.SetWorkMode(ctx, auth.User{ID: id}, id, mode, opts)
	require.NoError(t, err)
}

func (f *fixture) offline(t *testing.T, id string) {
	t.Helper()
	_, err := f.presence.SetPresence(context.Background(), id, presence.StatusOffline, nil)
	require.NoError(t, err)
}

// start opens a session one second after the previous one so creation
// order is unambiguous.
func (f *fixture) start(t *testing.T, name string, priority bool) *Session {
	t.Helper()
	f.clk.Advance(time.Second)
	s, err := f.engine.Start(context.Background(), Visitor{Name: name, Email: name + "@example.com"}, priority, "hello")
	require.NoError(t, err)
	return s
}

func (f *fixture) get(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) queueIDs(t *testing.T) []string {
	t.Helper()
	q, err := f.engine.Queue(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(q))
	for i, s := range q {
		ids[i] = s.ID
	}
	return ids
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }
