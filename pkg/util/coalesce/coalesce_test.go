package coalesce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCoalescer_TrailingRun(t *testing.T) {
	var runs atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	c := New(context.Background(), func(context.Context) {
		runs.Inc()
		started <- struct{}{}
		<-release
	})

	require.True(t, c.Trigger())
	<-started

	// all folded into a single trailing run
	for i := 0; i < 5; i++ {
		require.False(t, c.Trigger())
	}
	require.True(t, c.Running())

	release <- struct{}{}
	<-started
	release <- struct{}{}

	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, int64(2), runs.Load())
	require.False(t, c.Running())
}

func TestCoalescer_RunsAgainAfterIdle(t *testing.T) {
	var runs atomic.Int64
	c := New(context.Background(), func(context.Context) { runs.Inc() })

	for i := 0; i < 3; i++ {
		require.True(t, c.Trigger())
		require.NoError(t, c.Wait(context.Background()))
	}
	require.Equal(t, int64(3), runs.Load())
}

func TestCoalescer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int64
	release := make(chan struct{})
	c := New(ctx, func(context.Context) {
		runs.Inc()
		<-release
	})

	require.True(t, c.Trigger())
	require.False(t, c.Trigger())
	cancel()
	close(release)

	require.NoError(t, c.Wait(context.Background()))
	require.Equal(t, int64(1), runs.Load())
	require.False(t, c.Trigger())
}

func TestCoalescer_WaitTimeout(t *testing.T) {
	release := make(chan struct{})
	c := New(context.Background(), func(context.Context) { <-release })
	c.Trigger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.Wait(context.Background()))
}
