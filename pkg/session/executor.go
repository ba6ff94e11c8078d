// Package session runs the per-chat execution loop and serves its output to
// live subscribers. A Coordinator owns one chat; a Host decides how long
// coordinators live and how steps are scheduled.
package session

import (
	"context"
	"errors"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

var (
	// ErrCancelled is returned by an Executor that stopped because its
	// context was cancelled. The coordinator treats it like context.Canceled.
	ErrCancelled = errors.New("step cancelled")

	// ErrShuttingDown is returned when a host no longer accepts work.
	ErrShuttingDown = errors.New("session host is shutting down")

	// errRetired is returned by a coordinator that was evicted from its registry.
	errRetired = errors.New("coordinator retired")
)

// Emitter receives every event produced while a step executes.
type Emitter func(ev stream.Event)

// StepResult is what an Executor reports after one step.
type StepResult struct {
	// Continue asks the coordinator to run another step right away.
	Continue bool
}

// Executor performs one step of work for a chat. It must call emit for every
// output chunk before returning and must return promptly once ctx is done.
type Executor interface {
	RunStep(ctx context.Context, chatID string, emit Emitter) (StepResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, chatID string, emit Emitter) (StepResult, error)

// RunStep calls f.
func (f ExecutorFunc) RunStep(ctx context.Context, chatID string, emit Emitter) (StepResult, error) {
	return f(ctx, chatID, emit)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}
