package systems

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemErrors(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobSystemRunsCallbacks(t *testing.T) {
	js, err := NewJobSystem(4, 8)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		failed    atomic.Int32
	)
	boom := errors.New("boom")
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, js.Submit(context.Background(), JobTask{
			Name:        "job",
			InputParams: i,
			OnStart: func(params interface{}) error {
				if params.(int)%2 == 0 {
					return boom
				}
				return nil
			},
			OnComplete: func() { completed.Add(1) },
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failed.Add(1)
			},
			OnCompletionCallback: wg.Done,
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), completed.Load())
	assert.Equal(t, int32(10), failed.Load())

	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(context.Background(), JobTask{Name: "late"}), ErrJobSystemClosed)
}

func TestJobSystemMissingEntryPoint(t *testing.T) {
	js, err := NewJobSystem(1, 1)
	require.NoError(t, err)
	defer js.Shutdown()

	done := make(chan error, 1)
	require.NoError(t, js.Submit(context.Background(), JobTask{
		Name:      "empty",
		OnFailure: func(err error) { done <- err },
	}))
	assert.Error(t, <-done)
}

func TestJobSystemAddWorkNonBlocking(t *testing.T) {
	js, err := NewJobSystem(2, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	js.AddWorkNonBlocking(JobTask{
		Name:    "async",
		OnStart: func(interface{}) error { return nil },
		OnComplete: func() {
			close(done)
		},
	})
	<-done
	require.NoError(t, js.Shutdown())
}

func TestJobSystemSubmitHonoursContext(t *testing.T) {
	js, err := NewJobSystem(1, 1)
	require.NoError(t, err)

	// park the only worker and fill the queue
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, js.Submit(context.Background(), JobTask{
		Name: "blocker",
		OnStart: func(interface{}) error {
			close(started)
			<-release
			return nil
		},
	}))
	<-started
	require.NoError(t, js.Submit(context.Background(), JobTask{Name: "queued", OnStart: func(interface{}) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, js.Submit(ctx, JobTask{Name: "late"}), context.DeadlineExceeded)

	// a submitter blocked on the full queue is released by Shutdown
	blocked := make(chan error, 1)
	go func() {
		blocked <- js.Submit(context.Background(), JobTask{Name: "stuck"})
	}()
	shutdown := make(chan error, 1)
	go func() { shutdown <- js.Shutdown() }()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrJobSystemClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("submitter still blocked after shutdown")
	}
	close(release)
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
