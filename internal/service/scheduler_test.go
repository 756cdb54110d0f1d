package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2025, 6, 1, 1, 30, 0, 0, loc),
			want: time.Date(2025, 6, 1, 3, 0, 0, 0, loc),
		},
		{
			name: "already passed",
			now:  time.Date(2025, 6, 1, 4, 0, 0, 0, loc),
			want: time.Date(2025, 6, 2, 3, 0, 0, 0, loc),
		},
		{
			name: "exactly at fire time moves to tomorrow",
			now:  time.Date(2025, 6, 1, 3, 0, 0, 0, loc),
			want: time.Date(2025, 6, 2, 3, 0, 0, 0, loc),
		},
		{
			name: "month rollover",
			now:  time.Date(2025, 6, 30, 23, 0, 0, 0, loc),
			want: time.Date(2025, 7, 1, 3, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRun(tt.now, 3, 0))
		})
	}
}

func TestNewScheduler_RejectsBadTime(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewScheduler(env.runner, env.bindings, env.registry, "25:00")
	assert.Error(t, err)
}

func TestScheduler_RunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.stub.records = threeRecords()
	env.plain.records = threeRecords()

	// Inactive accounts are never scheduled.
	_, err := env.accounts.Create(ctx, "idle", "Idle")
	require.NoError(t, err)
	_, err = env.bindings.Upsert(ctx, "idle", "stub", nil, true)
	require.NoError(t, err)

	s, err := NewScheduler(env.runner, env.bindings, env.registry, "03:00")
	require.NoError(t, err)

	report := s.RunOnce(ctx)
	env.runner.Wait()
	assert.Equal(t, ScheduleReport{Started: 2, Skipped: 1}, report, "upload source is skipped")
	assert.Equal(t, int64(3), env.count(t, "stub"))
	assert.Equal(t, int64(3), env.count(t, "plain"))
}

func TestScheduler_RunOnceSkipsRunningAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ledger.Open(ctx, testAccount, "stub")
	require.NoError(t, err)
	_, err = env.bindings.Upsert(ctx, testAccount, "retired", nil, true)
	require.NoError(t, err)

	s, err := NewScheduler(env.runner, env.bindings, env.registry, "03:00")
	require.NoError(t, err)

	report := s.RunOnce(ctx)
	env.runner.Wait()
	assert.Equal(t, ScheduleReport{Started: 1, Skipped: 3}, report)
}

func TestScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewScheduler(env.runner, env.bindings, env.registry, "03:00")
	require.NoError(t, err)

	s.Start(context.Background())
	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	s.Stop()
}
