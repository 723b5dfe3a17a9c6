package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidager/dmarcpipe/internal/logger"
)

func TestRegister(t *testing.T) {
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name    string
		job     Job
		wantErr bool
		active  bool
	}{
		{"daily ingest", Job{Name: "ingest", Schedule: "0 6 * * *", Run: noop}, false, true},
		{"disabled", Job{Name: "maintenance", Schedule: "", Run: noop}, false, false},
		{"bad expression", Job{Name: "ingest", Schedule: "every day", Run: noop}, true, false},
		{"missing run", Job{Name: "ingest", Schedule: "0 6 * * *"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(logger.NewNop(), time.UTC)
			err := s.Register(tt.job)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := s.jobIDs[tt.job.Name]
			assert.Equal(t, tt.active, ok)
		})
	}
}

func TestTrigger(t *testing.T) {
	s := New(logger.NewNop(), time.UTC)

	var runs int32
	require.NoError(t, s.Register(Job{Name: "ingest", Schedule: "0 6 * * *", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}))
	require.NoError(t, s.Register(Job{Name: "maintenance", Schedule: "30 0 1 * *", Run: func(context.Context) error {
		return errors.New("database locked")
	}}))

	require.NoError(t, s.Trigger(context.Background(), "ingest"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	require.NoError(t, s.Register(Job{Name: "manual", Run: func(context.Context) error {
		atomic.AddInt32(&runs, 10)
		return nil
	}}))
	require.NoError(t, s.Trigger(context.Background(), "manual"), "disabled jobs can still be triggered")
	assert.Equal(t, int32(11), atomic.LoadInt32(&runs))

	assert.EqualError(t, s.Trigger(context.Background(), "maintenance"), "database locked")
	assert.Error(t, s.Trigger(context.Background(), "unknown"))
}

func TestNextActivation(t *testing.T) {
	s := New(logger.NewNop(), time.UTC)
	require.NoError(t, s.Register(Job{Name: "maintenance", Schedule: "30 0 1 * *", Run: func(context.Context) error { return nil }}))

	s.Start()
	defer s.Stop(context.Background())

	next, ok := s.Next("maintenance")
	require.True(t, ok)
	assert.Equal(t, 1, next.Day())
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 30, next.Minute())

	_, ok = s.Next("ingest")
	assert.False(t, ok)
}
