package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

func TestRecoverSession_StaffWentOffline(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.staff(t, "sam", workmode.ModeReady, workmode.Options{})
	s, err := f.engine.Start(ctx, vera, false, "my order is late")
	require.NoError(t, err)
	require.Equal(t, "sam", *s.AssignedTo)
	_, err = f.engine.PostMessage(ctx, s.ID, SenderStaff, "sam", "looking into it")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	f.offline(t, "sam")
	f.clk.Advance(10 * time.Minute)
	newcomer := f.start(t, "ned", false)

	rec, err := f.engine.RecoverSession(ctx, Identity{Visitor: Visitor{Name: " vera lind ", Email: "VERA@example.com"}}, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, s.ID, rec.Session.ID)
	assert.Equal(t, StatusActive, rec.RecoveredFrom)
	assert.Equal(t, 11, rec.RecoveredAfterMinutes)
	assert.Equal(t, StatusWaiting, rec.Session.Status)
	assert.True(t, rec.Session.RecoveryBoost)
	assert.Equal(t, 1, rec.Session.RecoveryAttempts)
	assert.Equal(t, 1, rec.Session.StaffDisconnectCount)
	assert.Equal(t, "sam", *rec.Session.PreviouslyAssignedTo)
	assert.Equal(t, 1, *rec.Session.QueuePosition)
	assert.Equal(t, []string{s.ID, newcomer.ID}, f.queueIDs(t))

	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "my order is late", rec.Messages[0].Text)
	assert.Equal(t, "looking into it", rec.Messages[1].Text)
	assert.Len(t, f.rec.OfType(events.SessionRecovered), 1)
}

func TestRecoverSession_ActiveWithOnlineStaffIsNotRecoverable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.staff(t, "sam", workmode.ModeReady, workmode.Options{})
	s, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)

	rec, err := f.engine.RecoverSession(ctx, Identity{SessionID: s.ID}, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, StatusActive, f.get(t, s.ID).Status)
}

func TestRecoverSession_Window(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	s, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)
	_, err = f.engine.RemoveFromQueue(ctx, admin, s.ID, "")
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	rec, err := f.engine.RecoverSession(ctx, Identity{SessionID: s.ID}, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, rec, "closed two hours ago")

	got := f.get(t, s.ID)
	assert.Equal(t, StatusAbandoned, got.Status)
	assert.Zero(t, got.RecoveryAttempts)

	rec, err = f.engine.RecoverSession(ctx, Identity{SessionID: s.ID}, 3*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusAbandoned, rec.RecoveredFrom)
	assert.Equal(t, 120, rec.RecoveredAfterMinutes)
}

func TestRecoverSession_PicksMostRecentlyActive(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	older, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)
	_, err = f.engine.Leave(ctx, older.ID)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	newer, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)
	_, err = f.engine.Leave(ctx, newer.ID)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Minute)
	rec, err := f.engine.RecoverSession(ctx, Identity{Visitor: vera}, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, newer.ID, rec.Session.ID)
	assert.Equal(t, StatusMissed, rec.RecoveredFrom)
	assert.Equal(t, StatusMissed, f.get(t, older.ID).Status)
}

func TestRecoverSession_NoMatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.RecoverSession(ctx, Identity{Visitor: vera}, 0)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = f.engine.RecoverSession(ctx, Identity{SessionID: "missing"}, 0)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = f.engine.RecoverSession(ctx, Identity{Visitor: Visitor{Name: "vera"}}, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRecoverSession_WaitingSessionIsNotRecoverable(t *testing.T) {
	f := newFixture(t, Config{})

	s := f.start(t, "ann", false)
	rec, err := f.engine.RecoverSession(context.Background(), Identity{SessionID: s.ID}, 0)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecoveryBoost_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, Config{RecoveryBoostTTL: 10 * time.Minute})
	ctx := context.Background()

	lost, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)
	_, err = f.engine.Leave(ctx, lost.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	_, err = f.engine.RecoverSession(ctx, Identity{SessionID: lost.ID}, 0)
	require.NoError(t, err)

	// an earlier normal session jumps back ahead once the boost lapses
	f.clk.Set(t0.Add(-time.Hour))
	early, err := f.engine.Start(ctx, Visitor{Name: "Eli", Email: "eli@example.com"}, false, "")
	require.NoError(t, err)
	f.clk.Set(t0.Add(2 * time.Minute))

	assert.Equal(t, []string{lost.ID, early.ID}, f.queueIDs(t))

	f.clk.Advance(15 * time.Minute)
	assert.Equal(t, []string{early.ID, lost.ID}, f.queueIDs(t))
}

func TestRecoveryBoost_PersistsWithoutTTL(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	lost, err := f.engine.Start(ctx, vera, false, "")
	require.NoError(t, err)
	_, err = f.engine.Leave(ctx, lost.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	_, err = f.engine.RecoverSession(ctx, Identity{SessionID: lost.ID}, 0)
	require.NoError(t, err)

	f.clk.Set(t0.Add(-time.Hour))
	early, err := f.engine.Start(ctx, Visitor{Name: "Eli", Email: "eli@example.com"}, false, "")
	require.NoError(t, err)
	f.clk.Set(t0.Add(6 * time.Hour))

	assert.Equal(t, []string{lost.ID, early.ID}, f.queueIDs(t))
}
