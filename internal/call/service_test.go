package call

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
	"github.com/Vovarama1992/livedesk/internal/presence"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEngine() (*Engine, *presence.Service, *clock.FakeClock, *events.Recorder) {
	clk := clock.Fake(t0)
	rec := &events.Recorder{}
	pres := presence.NewService(presence.NewMemoryRepo(), clk, events.Discard{}, auth.DefaultChecker(), zap.NewNop())
	eng := NewEngine(NewMemoryRepo(), pres, clk, rec, auth.DefaultChecker(), nil, zap.NewNop(), 45*time.Second)
	return eng, pres, clk, rec
}

func participant(t *testing.T, s *Session, id string) Participant {
	t.Helper()
	p := s.participant(id)
	require.NotNil(t, p, "no participant %s", id)
	return *p
}

func TestInitiate(t *testing.T) {
	eng, _, _, rec := newTestEngine()

	s, err := eng.Initiate(context.Background(), "a", []string{"b", "a", "c", "b"}, TypeVideo, "chat-1")
	require.NoError(t, err)

	assert.Equal(t, StatusRinging, s.Status)
	require.Len(t, s.Participants, 3)
	assert.True(t, participant(t, s, "a").Joined())
	assert.True(t, participant(t, s, "b").Pending())
	assert.Equal(t, "chat-1", *s.ChatSessionID)
	assert.Len(t, rec.OfType(events.CallStateChanged), 1)

	_, err = eng.Initiate(context.Background(), "a", []string{"a"}, TypeAudio, "")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
	_, err = eng.Initiate(context.Background(), "a", []string{"b"}, Type("hologram"), "")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestCall_AnswerDeclineEnd(t *testing.T) {
	eng, _, clk, _ := newTestEngine()
	ctx := context.Background()

	s, err := eng.Initiate(ctx, "a", []string{"b", "c"}, TypeAudio, "")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	s, err = eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, t0.Add(2*time.Minute), *s.AnsweredAt)

	s, err = eng.Decline(ctx, s.ID, "c", "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)

	clk.Advance(3 * time.Minute)
	s, err = eng.End(ctx, auth.User{ID: "a"}, s.ID, "")
	require.NoError(t, err)

	assert.Equal(t, StatusEnded, s.Status)
	assert.Equal(t, ReasonEnded, s.EndReason)
	assert.Equal(t, "a", s.EndedBy)
	assert.NotNil(t, participant(t, s, "b").LeftAt)
	assert.NotNil(t, participant(t, s, "c").LeftAt)
	assert.NotNil(t, participant(t, s, "c").DeclinedAt)
	assert.Equal(t, 3*time.Minute, s.Duration(clk.Now()))

	_, err = eng.End(ctx, auth.User{ID: "a"}, s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestAnswer_OnlyFromRinging(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b", "c"}, TypeAudio, "")

	_, err := eng.Answer(ctx, s.ID, "zed")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)

	_, err = eng.Answer(ctx, s.ID, "c")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := eng.Join(ctx, s.ID, "c")
	require.NoError(t, err)
	assert.True(t, participant(t, got, "c").Joined())
}

func TestDecline_AllDeclinedIsMissed(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b", "c"}, TypeAudio, "")

	s, err := eng.Decline(ctx, s.ID, "b", "busy")
	require.NoError(t, err)
	assert.Equal(t, StatusRinging, s.Status)
	assert.Equal(t, "busy", participant(t, s, "b").DeclineReason)

	_, err = eng.Decline(ctx, s.ID, "b", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	s, err = eng.Decline(ctx, s.ID, "c", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMissed, s.Status)
	assert.Equal(t, ReasonAllDeclined, s.EndReason)
	assert.NotNil(t, participant(t, s, "a").LeftAt)
	assert.Zero(t, s.Duration(t0.Add(time.Hour)))
}

func TestLeave_LastTwoEndsCall(t *testing.T) {
	eng, _, clk, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b", "c"}, TypeVideo, "")
	_, err := eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)
	_, err = eng.Join(ctx, s.ID, "c")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	s, err = eng.Leave(ctx, s.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status, "b and c still talking")

	s, err = eng.Leave(ctx, s.ID, "c")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, s.Status)
	assert.Equal(t, ReasonAllLeft, s.EndReason)
	assert.NotNil(t, participant(t, s, "b").LeftAt)

	_, err = eng.Leave(ctx, s.ID, "b")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestLeave_WaitsForPendingParticipants(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b", "c"}, TypeAudio, "")
	_, err := eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)

	s, err = eng.Leave(ctx, s.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status, "c may still join")

	s, err = eng.Join(ctx, s.ID, "b")
	require.NoError(t, err)
	assert.True(t, participant(t, s, "b").Joined())
}

func TestEnd_Authorization(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b"}, TypeAudio, "")

	_, err := eng.End(ctx, auth.User{ID: "mallory"}, s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := eng.End(ctx, auth.User{ID: "lead", Permissions: []string{"calls.manage"}}, s.ID, "moderated")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.Equal(t, "moderated", got.EndReason)
	assert.Nil(t, got.AnsweredAt)
	assert.Zero(t, got.Duration(t0.Add(time.Hour)))
}

func TestEnd_ConcurrentCallersExactlyOneWins(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b"}, TypeAudio, "")
	_, err := eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, u := range []string{"a", "b", "a", "b"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := eng.End(ctx, auth.User{ID: u}, s.ID, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			}
		}(u)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGetStatus(t *testing.T) {
	eng, pres, clk, _ := newTestEngine()
	ctx := context.Background()

	_, err := pres.SetPresence(ctx, "b", presence.StatusBusy, nil)
	require.NoError(t, err)

	s, _ := eng.Initiate(ctx, "a", []string{"b", "c", "d"}, TypeScreenShare, "")
	clk.Advance(2 * time.Minute)
	_, err = eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)
	_, err = eng.Decline(ctx, s.ID, "c", "")
	require.NoError(t, err)
	clk.Advance(3 * time.Minute)

	v, err := eng.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, v.Total)
	assert.Equal(t, 2, v.Joined)
	assert.Equal(t, 1, v.Pending)
	assert.Equal(t, 1, v.Declined)
	assert.Equal(t, 0, v.Left)
	assert.Equal(t, int64(180), v.DurationSeconds)
	assert.Equal(t, presence.StatusBusy, v.Presence["b"])
	assert.Equal(t, presence.StatusOffline, v.Presence["d"])

	_, err = eng.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateQuality(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	ctx := context.Background()

	s, _ := eng.Initiate(ctx, "a", []string{"b"}, TypeVideo, "")
	_, err := eng.UpdateQuality(ctx, s.ID, "a", QualityGood)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = eng.Answer(ctx, s.ID, "b")
	require.NoError(t, err)

	got, err := eng.UpdateQuality(ctx, s.ID, "b", QualityPoor)
	require.NoError(t, err)
	assert.Equal(t, QualityPoor, participant(t, got, "b").Quality)

	_, err = eng.UpdateQuality(ctx, s.ID, "b", Quality("amazing"))
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestExpireRinging(t *testing.T) {
	eng, _, clk, rec := newTestEngine()
	ctx := context.Background()

	old, _ := eng.Initiate(ctx, "a", []string{"b"}, TypeAudio, "")
	clk.Advance(30 * time.Second)
	fresh, _ := eng.Initiate(ctx, "c", []string{"d"}, TypeAudio, "")
	answered, _ := eng.Initiate(ctx, "e", []string{"f"}, TypeAudio, "")
	_, err := eng.Answer(ctx, answered.ID, "f")
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	expired, err := eng.ExpireRinging(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, expired)

	got, _ := eng.Get(ctx, old.ID)
	assert.Equal(t, StatusMissed, got.Status)
	assert.Equal(t, ReasonRingTimeout, got.EndReason)

	got, _ = eng.Get(ctx, fresh.ID)
	assert.Equal(t, StatusRinging, got.Status)

	before := len(rec.Events())
	expired, err = eng.ExpireRinging(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Len(t, rec.Events(), before)
}
