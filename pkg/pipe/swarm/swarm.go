// Package swarm creates and runs the nodes of the span pipeline: the tracers that produce
// spans and the exporters that consume them.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// RunFunc runs a node until the passed context is cancelled or its input is closed.
type RunFunc func(context.Context)

// InstanceFunc creates a node. The passed context is cancelled once all the nodes are created,
// or as soon as any node creation fails, so it must not be used from the returned RunFunc.
type InstanceFunc func(context.Context) (RunFunc, error)

// DirectInstance wraps a RunFunc that does not need any creation step
func DirectInstance(run RunFunc) InstanceFunc {
	return func(_ context.Context) (RunFunc, error) {
		return run, nil
	}
}

// EmptyRunFunc is returned by the nodes that are disabled by configuration
func EmptyRunFunc() (RunFunc, error) {
	return func(_ context.Context) {}, nil
}

// Instancer collects the creators of all the nodes
type Instancer struct {
	creators []InstanceFunc
}

func (s *Instancer) Add(c InstanceFunc) {
	s.creators = append(s.creators, c)
}

// Instance creates all the nodes. If any of them fails, no node is started
// and the error is returned.
func (s *Instancer) Instance(ctx context.Context) (*Runner, error) {
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runner := &Runner{runners: make([]RunFunc, 0, len(s.creators))}
	for i, creator := range s.creators {
		run, err := creator(buildCtx)
		if err != nil {
			return nil, fmt.Errorf("creating node %d: %w", i, err)
		}
		runner.runners = append(runner.runners, run)
	}
	return runner, nil
}

// Runner runs all the created nodes
type Runner struct {
	started atomic.Bool
	runners []RunFunc
	done    chan struct{}
}

// Start all the nodes in background. It panics if invoked twice.
func (s *Runner) Start(ctx context.Context) {
	if s.started.Swap(true) {
		panic("swarm.Runner already started")
	}
	s.done = make(chan struct{})
	wg := sync.WaitGroup{}
	for _, run := range s.runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Done is closed after all the nodes have returned
func (s *Runner) Done() <-chan struct{} {
	return s.done
}
