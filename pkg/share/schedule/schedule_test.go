package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"github.com/sharewatch/sharewatchd/pkg/share/schedule"
)

func testContext(t *testing.T) context.Context {
	return dlog.NewTestContext(t, false)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(shareID string, event schedule.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, shareID+":"+string(event))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

func TestCoalescesBurstIntoOneEvaluation(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	for i := 0; i < 5; i++ {
		s.Schedule(ctx, "share-1", schedule.NetworkChange)
		time.Sleep(10 * time.Millisecond)
	}

	s.WaitIdle(ctx, "share-1")
	require.Equal(t, 1, rec.count(), "a burst within the settle window must coalesce to one evaluation")
	require.Equal(t, "share-1:network-change", rec.last())
}

func TestUserInitiatedRunsImmediately(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	s.Schedule(ctx, "share-1", schedule.UserInitiated)
	s.WaitIdle(ctx, "share-1")
	require.Equal(t, 1, rec.count())
}

func TestCancelDropsPendingEvaluation(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	s.Schedule(ctx, "share-1", schedule.SystemWake) // 3s settle delay
	s.Cancel("share-1")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, rec.count(), "cancel before the settle delay elapses must prevent the evaluation")
}

func TestScheduleAllFansOutToKnownShares(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	s.Schedule(ctx, "share-1", schedule.UserInitiated)
	s.Schedule(ctx, "share-2", schedule.UserInitiated)
	s.WaitIdle(ctx, "share-1")
	s.WaitIdle(ctx, "share-2")

	s.ScheduleAll(ctx, schedule.Startup)
	s.WaitIdle(ctx, "share-1")
	s.WaitIdle(ctx, "share-2")

	require.Equal(t, 4, rec.count())
}

func TestForgetRemovesShareFromFanOut(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	s.Schedule(ctx, "share-1", schedule.UserInitiated)
	s.WaitIdle(ctx, "share-1")
	s.Forget("share-1")

	s.ScheduleAll(ctx, schedule.Startup)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count(), "a forgotten share must not receive fanned-out events")
}

func TestSuperseningEventCancelsRunningSettleTimer(t *testing.T) {
	ctx := testContext(t)
	rec := &recorder{}
	s := schedule.New(func(_ context.Context, shareID string, event schedule.Event) {
		rec.record(shareID, event)
	})

	s.Schedule(ctx, "share-1", schedule.VPNChange) // 1s settle
	time.Sleep(100 * time.Millisecond)
	s.Schedule(ctx, "share-1", schedule.UserInitiated) // supersedes, runs immediately

	s.WaitIdle(ctx, "share-1")
	require.Equal(t, 1, rec.count())
	require.Equal(t, "share-1:user-initiated", rec.last())
}

func TestSettleDelayTableCoversAllEvents(t *testing.T) {
	require.Equal(t, 100*time.Millisecond, schedule.SettleDelay(schedule.HealthCheck))
	require.Equal(t, 2*time.Second, schedule.SettleDelay(schedule.NetworkChange))
	require.Equal(t, time.Second, schedule.SettleDelay(schedule.VPNChange))
	require.Equal(t, 3*time.Second, schedule.SettleDelay(schedule.SystemWake))
	require.Equal(t, time.Duration(0), schedule.SettleDelay(schedule.UserInitiated))
	require.Equal(t, 500*time.Millisecond, schedule.SettleDelay(schedule.Startup))
}
