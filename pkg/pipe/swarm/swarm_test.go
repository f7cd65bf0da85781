package swarm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mariomac/guara/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

func TestSwarm_BuildWithError(t *testing.T) {
	inst := Instancer{}
	inst.Add(func(_ context.Context) (RunFunc, error) {
		return nil, errors.New("can't connect to the OTLP endpoint")
	})
	_, err := inst.Instance(t.Context())
	assert.ErrorContains(t, err, "OTLP endpoint")
}

func TestSwarm_StartTwice(t *testing.T) {
	inst := Instancer{}
	inst.Add(func(_ context.Context) (RunFunc, error) {
		return EmptyRunFunc()
	})
	s, err := inst.Instance(t.Context())
	require.NoError(t, err)
	s.Start(t.Context())
	assert.Panics(t, func() { s.Start(t.Context()) })
	assertDone(t, s)
}

func TestSwarm_RunnerExecution(t *testing.T) {
	inst := Instancer{}
	executed := atomic.Bool{}
	inst.Add(DirectInstance(func(_ context.Context) {
		executed.Store(true)
	}))
	s, err := inst.Instance(t.Context())
	require.NoError(t, err)
	s.Start(t.Context())
	test.Eventually(t, timeout, func(t require.TestingT) {
		assert.True(t, executed.Load(), "runner was not executed")
	})
	assertDone(t, s)
}

func TestSwarm_CreatorFailure(t *testing.T) {
	inst := Instancer{}
	started := atomic.Bool{}
	firstCancelled := atomic.Bool{}
	thirdCreated := atomic.Bool{}
	inst.Add(func(ctx context.Context) (RunFunc, error) {
		go func() {
			<-ctx.Done()
			firstCancelled.Store(true)
		}()
		return func(_ context.Context) {
			started.Store(true)
		}, nil
	})
	inst.Add(func(_ context.Context) (RunFunc, error) {
		return nil, errors.New("creation error")
	})
	inst.Add(func(_ context.Context) (RunFunc, error) {
		thirdCreated.Store(true)
		return EmptyRunFunc()
	})

	_, err := inst.Instance(t.Context())
	require.Error(t, err)
	test.Eventually(t, timeout, func(t require.TestingT) {
		assert.True(t, firstCancelled.Load(), "first creator context was not cancelled")
	})
	assert.False(t, thirdCreated.Load())
	assert.False(t, started.Load())
}

func TestSwarm_ContextPassed(t *testing.T) {
	startWg := sync.WaitGroup{}
	startWg.Add(3)
	inst := Instancer{}
	waitForCancel := func(ctx context.Context) {
		startWg.Done()
		<-ctx.Done()
	}
	for range 3 {
		inst.Add(DirectInstance(waitForCancel))
	}
	ctx, cancel := context.WithCancel(t.Context())
	s, err := inst.Instance(t.Context())
	require.NoError(t, err)
	s.Start(ctx)
	test.Eventually(t, timeout, func(_ require.TestingT) {
		startWg.Wait()
	})
	select {
	case <-s.Done():
		t.Fatal("runner should not have finished before cancelling the context")
	default:
	}
	cancel()
	assertDone(t, s)
}

func assertDone(t *testing.T, s *Runner) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatal("Runner instance did not properly finish")
	}
}
