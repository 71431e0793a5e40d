package workmode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/clock"
	"github.com/Vovarama1992/livedesk/internal/events"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type staticCounter map[string]int

func (c staticCounter) ActiveCounts(context.Context) (map[string]int, error) {
	return c, nil
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func self(id string) auth.User { return auth.User{ID: id} }

func newTestService(counts staticCounter) (*Service, *MemoryRepo, *clock.FakeClock, *events.Recorder) {
	repo := NewMemoryRepo()
	clk := clock.Fake(t0)
	rec := &events.Recorder{}
	svc := NewService(repo, counts, clk, rec, auth.DefaultChecker(), nil, zap.NewNop(), 2)
	return svc, repo, clk, rec
}

func TestEligible(t *testing.T) {
	base := Record{Mode: ModeReady, AutoAcceptEnabled: true, MaxConcurrentSessions: 2, AcceptsEscalated: true, AcceptsPriority: true}

	with := func(fn func(r *Record)) Record {
		r := base
		fn(&r)
		return r
	}

	tests := []struct {
		name   string
		rec    Record
		active int
		filter Filter
		want   bool
	}{
		{"ready with room", base, 1, Filter{}, true},
		{"focused work", with(func(r *Record) { r.Mode = ModeFocusedWork }), 0, Filter{}, true},
		{"ticketing only", with(func(r *Record) { r.Mode = ModeTicketingOnly }), 0, Filter{}, false},
		{"away", with(func(r *Record) { r.Mode = ModeAway }), 0, Filter{}, false},
		{"break", with(func(r *Record) { r.Mode = ModeBreak }), 0, Filter{}, false},
		{"auto accept off", with(func(r *Record) { r.AutoAcceptEnabled = false }), 0, Filter{}, false},
		{"at capacity", base, 2, Filter{}, false},
		{"escalated accepted", base, 0, Filter{Escalated: true}, true},
		{"escalated refused", with(func(r *Record) { r.AcceptsEscalated = false }), 0, Filter{Escalated: true}, false},
		{"priority refused", with(func(r *Record) { r.AcceptsPriority = false }), 0, Filter{Priority: true}, false},
		{"priority refusal irrelevant", with(func(r *Record) { r.AcceptsPriority = false }), 0, Filter{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eligible(tt.rec, tt.active, tt.filter))
		})
	}
}

func TestModePolicies(t *testing.T) {
	assert.True(t, ModeTicketingOnly.Pullable())
	assert.False(t, ModeTicketingOnly.AutoAssignable())
	assert.False(t, ModeAway.Pullable())
	assert.False(t, ModeBreak.Pullable())
}

func TestSetWorkMode_CreatesWithDefaults(t *testing.T) {
	svc, _, _, rec := newTestService(nil)

	got, err := svc.SetWorkMode(context.Background(), self("alice"), "alice", ModeReady, Options{})
	require.NoError(t, err)

	assert.Equal(t, ModeReady, got.Mode)
	assert.True(t, got.AutoAcceptEnabled)
	assert.Equal(t, 2, got.MaxConcurrentSessions)
	assert.Len(t, rec.OfType(events.WorkModeChanged), 1)
}

func TestSetWorkMode_AppendsHistory(t *testing.T) {
	svc, repo, clk, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.SetWorkMode(ctx, self("alice"), "alice", ModeReady, Options{})
	require.NoError(t, err)
	clk.Advance(25 * time.Minute)
	_, err = svc.SetWorkMode(ctx, self("alice"), "alice", ModeBreak, Options{})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = svc.SetWorkMode(ctx, self("alice"), "alice", ModeBreak, Options{AutoAcceptEnabled: boolPtr(false)})
	require.NoError(t, err)

	history := repo.History()
	require.Len(t, history, 2)
	assert.Equal(t, ModeAway, history[0].OldMode)
	assert.Equal(t, ModeReady, history[0].NewMode)
	assert.Equal(t, ModeReady, history[1].OldMode)
	assert.Equal(t, ModeBreak, history[1].NewMode)
	assert.Equal(t, 25*time.Minute, history[1].TimeInPrior)
}

func TestSetWorkMode_OtherStaffNeedsCapability(t *testing.T) {
	svc, _, _, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.SetWorkMode(ctx, self("bob"), "alice", ModeReady, Options{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	lead := auth.User{ID: "lead", Permissions: []string{"livechat.manage_work_modes"}}
	_, err = svc.SetWorkMode(ctx, lead, "alice", ModeAway, Options{})
	assert.NoError(t, err)
}

func TestSetWorkMode_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.SetWorkMode(ctx, self("alice"), "alice", Mode("napping"), Options{})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = svc.SetWorkMode(ctx, self("alice"), "alice", ModeReady, Options{MaxConcurrentSessions: intPtr(0)})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestSetWorkMode_ConcurrentChangesKeepHistoryConsistent(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	modes := []Mode{ModeReady, ModeAway, ModeFocusedWork, ModeBreak}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(m Mode) {
			defer wg.Done()
			_, err := svc.SetWorkMode(ctx, self("alice"), "alice", m, Options{})
			assert.NoError(t, err)
		}(modes[i%len(modes)])
	}
	wg.Wait()

	history := repo.History()
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewMode, history[i].OldMode, "history entry %d does not chain", i)
	}
	final, err := svc.GetWorkMode(ctx, "alice")
	require.NoError(t, err)
	if len(history) > 0 {
		assert.Equal(t, history[len(history)-1].NewMode, final.Mode)
	}
}

func TestEligibleStaff(t *testing.T) {
	svc, _, _, _ := newTestService(staticCounter{"bob": 2})
	ctx := context.Background()

	_, _ = svc.SetWorkMode(ctx, self("alice"), "alice", ModeReady, Options{AcceptsEscalated: boolPtr(false)})
	_, _ = svc.SetWorkMode(ctx, self("bob"), "bob", ModeReady, Options{})
	_, _ = svc.SetWorkMode(ctx, self("carol"), "carol", ModeTicketingOnly, Options{})
	_, _ = svc.SetWorkMode(ctx, self("dave"), "dave", ModeFocusedWork, Options{})

	ids := func(cs []Candidate) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.StaffID)
		}
		return out
	}

	plain, err := svc.EligibleStaff(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "dave"}, ids(plain))

	escalated, err := svc.EligibleStaff(ctx, Filter{Escalated: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, ids(escalated))
}

func TestGetWorkMode_NotFound(t *testing.T) {
	svc, _, _, _ := newTestService(nil)

	_, err := svc.GetWorkMode(context.Background(), "nobody")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTouch(t *testing.T) {
	svc, _, clk, _ := newTestService(nil)
	ctx := context.Background()

	_, _ = svc.SetWorkMode(ctx, self("alice"), "alice", ModeReady, Options{})
	clk.Advance(time.Hour)
	require.NoError(t, svc.Touch(ctx, "alice"))

	got, _ := svc.GetWorkMode(ctx, "alice")
	assert.Equal(t, t0.Add(time.Hour), got.LastActivity)

	assert.ErrorIs(t, svc.Touch(ctx, "nobody"), apperr.ErrNotFound)
}
