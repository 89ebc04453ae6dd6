package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PoolState is the lifecycle position of a Pool run.
type PoolState int32

const (
	StateIdle PoolState = iota
	StateDispatching
	StateRunning
	StateDraining
	StateCancelling
	StateDone
)

func (s PoolState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCancelling:
		return "cancelling"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("PoolState(%d)", int32(s))
	}
}

// TaskFunc executes one task. It must return an Outcome for every input.
type TaskFunc func(ctx context.Context, cfg RunConfig) Outcome

// Summary aggregates a pool run.
type Summary struct {
	Total int
	// Outcomes are in completion order.
	Outcomes []Outcome
	// Cancelled lists tasks that were never dispatched.
	Cancelled   []TaskIdentity
	Interrupted bool
}

func (s Summary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that failed for a reason other than the
// run being interrupted.
func (s Summary) Failed() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if !o.OK() && o.Kind != KindInterrupted {
			out = append(out, o)
		}
	}
	return out
}

func (s Summary) InterruptedTasks() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Kind == KindInterrupted {
			n++
		}
	}
	return n
}

// Pool runs tasks on a fixed number of workers.
type Pool struct {
	Workers int
	Logger  *zerolog.Logger

	state atomic.Int32
}

func (p *Pool) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}

func (p *Pool) State() PoolState { return PoolState(p.state.Load()) }

func (p *Pool) setState(s PoolState) {
	old := PoolState(p.state.Swap(int32(s)))
	if old != s {
		p.logger().Debug().Stringer("from", old).Stringer("to", s).Msg("pool state")
	}
}

// Run dispatches tasks in order, at most Workers at a time, and calls
// onResult for each outcome as it completes. Once ctx is done no further
// task starts; tasks already running observe ctx themselves. Run returns
// after every dispatched task has reported.
func (p *Pool) Run(ctx context.Context, tasks []RunConfig, fn TaskFunc, onResult func(Outcome)) Summary {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	sum := Summary{Total: len(tasks)}
	p.setState(StateDispatching)

	sem := make(chan struct{}, workers)
	results := make(chan Outcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for out := range results {
			sum.Outcomes = append(sum.Outcomes, out)
			if onResult != nil {
				onResult(out)
			}
		}
	}()

	var wg sync.WaitGroup
	dispatched := 0
dispatch:
	for i, task := range tasks {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		dispatched++
		if i == 0 {
			p.setState(StateRunning)
		}
		tctx := p.logger().With().Int("seq", i+1).Int("total", len(tasks)).Logger().WithContext(ctx)
		wg.Add(1)
		go func(ctx context.Context, t RunConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- safeRun(ctx, fn, t)
		}(tctx, task)
	}
	for _, t := range tasks[dispatched:] {
		sum.Cancelled = append(sum.Cancelled, t.TaskIdentity)
	}

	finished := make(chan struct{})
	if ctx.Err() != nil {
		p.setState(StateCancelling)
	} else {
		p.setState(StateDraining)
		go func() {
			select {
			case <-ctx.Done():
				if p.state.CompareAndSwap(int32(StateDraining), int32(StateCancelling)) {
					p.logger().Debug().Msg("pool cancelling")
				}
			case <-finished:
			}
		}()
	}

	wg.Wait()
	close(finished)
	close(results)
	<-collected

	sum.Interrupted = ctx.Err() != nil && (len(sum.Cancelled) > 0 || sum.InterruptedTasks() > 0)
	p.setState(StateDone)
	return sum
}

func safeRun(ctx context.Context, fn TaskFunc, t RunConfig) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Task: t.TaskIdentity, Kind: KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(ctx, t)
}
