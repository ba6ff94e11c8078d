package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/metrics"
	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// AfterStepFunc observes every finished step. Returning true ends the loop
// even when the step asked to continue.
type AfterStepFunc func(chatID string, res StepResult, err error) (yield bool)

// Coordinator owns the execution loop of one chat. At most one loop
// iteration runs at a time: an interrupting Start cancels the running step
// and the replacement loop begins only after the cancelled one returned.
type Coordinator struct {
	chatID    string
	exec      Executor
	bc        *stream.Broadcaster
	afterStep AfterStepFunc
	logger    *slog.Logger

	mu         sync.Mutex
	running    bool
	pending    bool
	cancel     context.CancelFunc
	done       chan struct{}
	retired    bool
	lastActive time.Time
}

// NewCoordinator creates an idle coordinator for chatID.
func NewCoordinator(chatID string, exec Executor, opts stream.Options, afterStep AfterStepFunc) *Coordinator {
	return &Coordinator{
		chatID:     chatID,
		exec:       exec,
		bc:         stream.NewBroadcaster(chatID, opts),
		afterStep:  afterStep,
		logger:     slog.With("component", "session", "chat_id", chatID),
		lastActive: time.Now(),
	}
}

// ChatID returns the chat this coordinator drives.
func (c *Coordinator) ChatID() string {
	return c.chatID
}

// Start begins the execution loop. With interrupt set, a running step is
// cancelled and a fresh loop follows it. Without, the running step is left
// alone and the loop runs one more iteration before going idle, so a step
// created while the loop unwinds is still picked up. It reports whether a
// new loop was launched.
func (c *Coordinator) Start(interrupt bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retired {
		return false, errRetired
	}
	if c.running && !interrupt {
		c.pending = true
		return false, nil
	}
	c.pending = false
	prev := c.done
	if c.running {
		c.logger.Info("Session coordinator: interrupting running step")
		c.cancel()
	} else {
		metrics.RunningSessions.Inc()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done

	go c.loop(ctx, prev, done)
	return true, nil
}

// Stop cancels the running step without starting another. A Start that
// arrives after Stop, while the loop is still unwinding, runs normally.
// It reports whether a loop was running.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.pending = false
	c.cancel()
	return true
}

// Running reports whether a loop is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until no loop is running or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return nil
		}
		done := c.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe replays the in-flight step's chunks to w and then pushes every
// later event until the subscription is closed.
func (c *Coordinator) Subscribe(w stream.Writer, transport string) (*stream.Subscription, error) {
	return c.bc.Subscribe(w, transport)
}

// SubscriberCount returns the number of live subscribers.
func (c *Coordinator) SubscriberCount() int {
	return c.bc.SubscriberCount()
}

// BufferLen returns the number of chunks held for replay.
func (c *Coordinator) BufferLen() int {
	return c.bc.BufferLen()
}

// OnMessagesChanged broadcasts a structural message event. It is not
// buffered: late subscribers read messages from history instead.
func (c *Coordinator) OnMessagesChanged(event string, messages any) error {
	if event != stream.EventMessageCreated && event != stream.EventMessageUpdated {
		return fmt.Errorf("unsupported message event %q", event)
	}
	return c.bc.Broadcast(stream.Event{Name: event, Data: messages})
}

// ResetBuffer drops buffered chunks. Used when in-memory state is discarded
// between activations.
func (c *Coordinator) ResetBuffer() {
	c.bc.ResetBuffer()
}

// idleSince returns when the coordinator last finished a loop, and false
// while a loop runs.
func (c *Coordinator) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return time.Time{}, false
	}
	return c.lastActive, true
}

// retire marks an idle, unsubscribed coordinator unusable so its registry
// can drop it. Callers holding a stale reference get errRetired or
// stream.ErrClosed and look the chat up again.
func (c *Coordinator) retire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.retired {
		return false
	}
	if !c.bc.CloseIfIdle() {
		return false
	}
	c.retired = true
	return true
}

// close cancels any running step and ends every subscription.
func (c *Coordinator) close() {
	c.mu.Lock()
	c.retired = true
	c.pending = false
	if c.running {
		c.cancel()
	}
	c.mu.Unlock()
	c.bc.Close()
}

func (c *Coordinator) loop(ctx context.Context, prev, done chan struct{}) {
	defer close(done)

	if prev != nil {
		<-prev
	}

	for {
		again := false
		if ctx.Err() == nil {
			again = c.iterate(ctx)
		}
		var ok bool
		if ctx, ok = c.next(ctx, done, again); !ok {
			return
		}
	}
}

// iterate runs one step and reports whether the loop should continue.
func (c *Coordinator) iterate(ctx context.Context) bool {
	started := time.Now()
	res, err := c.runStep(ctx)
	c.recordStep(res, err, time.Since(started))

	yield := false
	if c.afterStep != nil {
		yield = c.afterStep(c.chatID, res, err)
	}

	if err != nil {
		if isCancellation(err) {
			c.logger.Debug("Session coordinator: step cancelled")
		} else {
			c.logger.Error("Session coordinator: step failed", "error", err)
		}
		return false
	}
	return res.Continue && !yield
}

// next decides, under the same lock Start takes, whether the loop runs
// another iteration. A pending Start buys one more iteration, with a fresh
// context when Stop cancelled the current one. Otherwise the coordinator
// goes idle.
func (c *Coordinator) next(ctx context.Context, done chan struct{}, again bool) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != done {
		// A newer loop took over and waits for this one.
		return nil, false
	}
	if again && ctx.Err() == nil {
		c.pending = false
		return ctx, true
	}
	if c.pending && !c.retired {
		c.pending = false
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(context.Background())
			c.cancel = cancel
		}
		c.logger.Debug("Session coordinator: running step requested while unwinding")
		return ctx, true
	}

	c.cancel()
	c.running = false
	c.cancel = nil
	c.lastActive = time.Now()
	metrics.RunningSessions.Dec()
	return nil, false
}

func (c *Coordinator) runStep(ctx context.Context) (res StepResult, err error) {
	c.bc.ResetBuffer()
	defer c.bc.ResetBuffer()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return c.exec.RunStep(ctx, c.chatID, c.emitter(ctx))
}

// emitter drops events once the step is cancelled so a replacement step
// never interleaves with a stale one.
func (c *Coordinator) emitter(ctx context.Context) Emitter {
	return func(ev stream.Event) {
		if ctx.Err() != nil {
			return
		}
		if err := c.bc.Broadcast(ev); err != nil {
			c.logger.Warn("Failed to broadcast event", "event", ev.Name, "error", err)
		}
	}
}

func (c *Coordinator) recordStep(res StepResult, err error, d time.Duration) {
	outcome := metrics.OutcomeDone
	switch {
	case err != nil && isCancellation(err):
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
	case res.Continue:
		outcome = metrics.OutcomeContinue
	}
	metrics.RecordStep(outcome, d.Seconds())
}
