package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/livedesk/internal/ai"
	"github.com/Vovarama1992/livedesk/internal/apperr"
	"github.com/Vovarama1992/livedesk/internal/auth"
	"github.com/Vovarama1992/livedesk/internal/events"
	"github.com/Vovarama1992/livedesk/internal/workmode"
)

type stubSummarizer struct {
	reply string
	err   error
	got   []ai.Message
}

func (s *stubSummarizer) Summarize(_ context.Context, transcript []ai.Message) (string, error) {
	s.got = transcript
	return s.reply, s.err
}

func TestEnd_FreesCapacityForWaitingSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	alice := auth.User{ID: "alice"}

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{MaxConcurrentSessions: intPtr(1)})
	s1 := f.start(t, "ann", false)
	s2 := f.start(t, "ben", false)
	require.Equal(t, StatusWaiting, s2.Status)

	_, err := f.engine.End(ctx, auth.User{ID: "bob"}, s1.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	ended, err := f.engine.End(ctx, alice, s1.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, ended.Status)
	assert.Equal(t, ReasonResolved, ended.CloseReason)
	assert.Equal(t, "alice", *ended.PreviouslyAssignedTo)

	assert.Equal(t, "alice", *f.get(t, s2.ID).AssignedTo)

	_, err = f.engine.End(ctx, alice, s1.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.engine.End(ctx, admin, s2.ID, "closed by lead")
	require.NoError(t, err)
	assert.Len(t, f.rec.OfType(events.SessionEnded), 2)
}

func TestLeave(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{MaxConcurrentSessions: intPtr(1)})
	active := f.start(t, "ann", false)
	waiting := f.start(t, "ben", false)

	got, err := f.engine.Leave(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMissed, got.Status)
	assert.Equal(t, ReasonGuestLeft, got.CloseReason)

	got, err = f.engine.Leave(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.Equal(t, EndReasonVisitorLeft, got.CloseReason)

	_, err = f.engine.Leave(ctx, active.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.engine.Leave(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReturnToQueue_HandsToSomeoneElse(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	sum := &stubSummarizer{reply: "Visitor wants a refund."}
	f.engine.WithSummarizer(sum)

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{})
	s := f.start(t, "ann", false)
	require.Equal(t, "alice", *s.AssignedTo)
	_, err := f.engine.PostMessage(ctx, s.ID, SenderStaff, "alice", "Let me check")
	require.NoError(t, err)

	f.staff(t, "bob", workmode.ModeReady, workmode.Options{})

	_, err = f.engine.ReturnToQueue(ctx, auth.User{ID: "bob"}, s.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.engine.ReturnToQueue(ctx, auth.User{ID: "alice"}, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "bob", *got.AssignedTo)
	assert.Equal(t, "alice", *got.PreviouslyAssignedTo)
	assert.Len(t, f.rec.OfType(events.SessionReturned), 1)

	require.Len(t, sum.got, 2)
	assert.Equal(t, "user", sum.got[0].Role)
	assert.Equal(t, "assistant", sum.got[1].Role)

	history, err := f.engine.History(ctx, s.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, SenderSystem, last.Sender)
	assert.Equal(t, "Handoff summary: Visitor wants a refund.", last.Text)
}

func TestReturnToQueue_SummaryFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.engine.WithSummarizer(&stubSummarizer{err: errors.New("model down")})

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{})
	s := f.start(t, "ann", false)
	_, err := f.modes.SetWorkMode(ctx, auth.User{ID: "alice"}, "alice", workmode.ModeBreak, workmode.Options{})
	require.NoError(t, err)

	got, err := f.engine.ReturnToQueue(ctx, auth.User{ID: "alice"}, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Equal(t, 1, *got.QueuePosition)

	history, err := f.engine.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.engine.ReturnToQueue(ctx, auth.User{ID: "alice"}, s.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{})
	s := f.start(t, "ann", false)

	_, err := f.engine.PostMessage(ctx, s.ID, SenderStaff, "bob", "hi")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.engine.PostMessage(ctx, s.ID, SenderVisitor, "", "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	f.clk.Advance(time.Minute)
	m, err := f.engine.PostMessage(ctx, s.ID, SenderVisitor, "", "still there?")
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, f.clk.Now(), f.get(t, s.ID).GuestLastSeen)

	_, err = f.engine.End(ctx, auth.User{ID: "alice"}, s.ID, "")
	require.NoError(t, err)
	_, err = f.engine.PostMessage(ctx, s.ID, SenderVisitor, "", "hello?")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestReapStale_ClosesSessionsOfGoneVisitors(t *testing.T) {
	f := newFixture(t, Config{GuestTimeout: 2 * time.Minute})
	ctx := context.Background()

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{MaxConcurrentSessions: intPtr(1)})
	active := f.start(t, "ann", false)
	waiting := f.start(t, "ben", false)
	alive := f.start(t, "cat", false)

	f.clk.Advance(3 * time.Minute)
	_, err := f.engine.Touch(ctx, alive.ID)
	require.NoError(t, err)

	res, err := f.engine.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting.ID}, res.Missed)
	assert.Equal(t, []string{active.ID}, res.Abandoned)

	assert.Equal(t, ReasonGuestTimeout, f.get(t, active.ID).CloseReason)
	assert.Equal(t, "alice", *f.get(t, alive.ID).AssignedTo, "capacity freed by the reap")
}

func TestReapStale_RequeuesSessionsOfOfflineStaff(t *testing.T) {
	f := newFixture(t, Config{ReassignOnStaffDisconnect: true})
	ctx := context.Background()

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{})
	s := f.start(t, "ann", false)
	require.Equal(t, "alice", *s.AssignedTo)

	f.offline(t, "alice")
	f.staff(t, "bob", workmode.ModeReady, workmode.Options{})

	res, err := f.engine.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, res.Requeued)

	got := f.get(t, s.ID)
	assert.Equal(t, "bob", *got.AssignedTo)
	assert.Equal(t, "alice", *got.PreviouslyAssignedTo)
	assert.Equal(t, 1, got.StaffDisconnectCount)
}

func TestReapStale_LeavesOfflineStaffSessionsWhenDisabled(t *testing.T) {
	f := newFixture(t, Config{})

	f.staff(t, "alice", workmode.ModeReady, workmode.Options{})
	s := f.start(t, "ann", false)
	f.offline(t, "alice")

	res, err := f.engine.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	assert.Equal(t, StatusActive, f.get(t, s.ID).Status)
}

func TestRun_ChecksOnTick(t *testing.T) {
	f := newFixture(t, Config{MaxQueueTime: 5 * time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := f.start(t, "ann", false)

	done := make(chan struct{})
	go func() {
		_ = f.engine.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.clk.Advance(time.Minute)
		got, err := f.engine.Get(ctx, s.ID)
		return err == nil && got.Status == StatusAbandoned
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
