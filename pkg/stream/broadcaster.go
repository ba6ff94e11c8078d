package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codespacesh/blink-sub003/pkg/metrics"
)

// ErrClosed is returned by Subscribe once the broadcaster has been closed.
var ErrClosed = errors.New("broadcaster closed")

// Options tunes subscriber delivery.
type Options struct {
	// QueueSize is the number of live frames a subscriber may lag behind
	// before it is evicted.
	QueueSize int
	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the built-in delivery settings.
func DefaultOptions() Options {
	return Options{QueueSize: 256, WriteTimeout: 10 * time.Second}
}

// Broadcaster fans encoded events out to the subscribers of one chat and
// keeps the replay buffer. Appending to the buffer, queuing to subscribers
// and registering a new subscriber all happen under one mutex, so a new
// subscriber sees the buffer followed by every later frame with no gap.
type Broadcaster struct {
	chatID string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	buf    Buffer
	subs   map[string]*Subscription
	closed bool
}

// NewBroadcaster creates a broadcaster for chatID.
func NewBroadcaster(chatID string, opts Options) *Broadcaster {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Broadcaster{
		chatID: chatID,
		opts:   opts,
		logger: slog.With("component", "broadcaster", "chat_id", chatID),
		subs:   make(map[string]*Subscription),
	}
}

// Broadcast encodes e once, buffers it when it is a chunk, and queues it to
// every subscriber. It never blocks on a transport: a subscriber whose queue
// is full is evicted and the others still receive the frame.
func (b *Broadcaster) Broadcast(e Event) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	metrics.EventsBroadcast.WithLabelValues(e.Name).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Buffered() {
		b.buf.Append(frame)
		metrics.ReplayBufferBytes.Add(float64(len(frame)))
	}
	for id, sub := range b.subs {
		select {
		case sub.queue <- frame:
		default:
			b.logger.Warn("Evicting slow subscriber", "subscriber_id", id, "transport", sub.transport)
			metrics.RecordEviction(metrics.EvictionSlow)
			b.removeLocked(sub)
		}
	}
	return nil
}

// Subscribe replays the buffer to w and then registers it for live frames.
// Delivery runs on its own goroutine until the subscription is closed or a
// write fails.
func (b *Broadcaster) Subscribe(w Writer, transport string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	replay := b.buf.Snapshot()
	sub := &Subscription{
		id:        uuid.NewString(),
		transport: transport,
		w:         w,
		queue:     make(chan []byte, len(replay)+b.opts.QueueSize),
		done:      make(chan struct{}),
		b:         b,
	}
	for _, frame := range replay {
		sub.queue <- frame
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	metrics.Subscribers.WithLabelValues(transport).Inc()
	b.logger.Debug("Subscriber registered", "subscriber_id", sub.id, "transport", transport, "replayed", len(replay))

	go sub.pump(b.opts.WriteTimeout)
	return sub, nil
}

// ResetBuffer drops every buffered frame.
func (b *Broadcaster) ResetBuffer() {
	b.mu.Lock()
	b.resetBufferLocked()
	b.mu.Unlock()
}

func (b *Broadcaster) resetBufferLocked() {
	metrics.ReplayBufferBytes.Sub(float64(b.buf.Size()))
	b.buf.Reset()
}

// BufferLen returns the number of buffered frames.
func (b *Broadcaster) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseIfIdle closes the broadcaster when it has no subscribers and reports
// whether it did.
func (b *Broadcaster) CloseIfIdle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) > 0 {
		return false
	}
	b.closed = true
	b.resetBufferLocked()
	return true
}

// Close ends every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
	b.resetBufferLocked()
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.done)
	metrics.Subscribers.WithLabelValues(sub.transport).Dec()
}

// Subscription is one registered subscriber.
type Subscription struct {
	id        string
	transport string
	w         Writer
	queue     chan []byte
	done      chan struct{}
	b         *Broadcaster
}

// ID returns the subscription ID.
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed when the subscription ends, either through Close or
// because the broadcaster evicted it.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}

// pump is the only goroutine writing to s.w, which keeps frames in order.
func (s *Subscription) pump(writeTimeout time.Duration) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.w.WriteFrame(ctx, frame)
			cancel()
			if err != nil {
				s.b.logger.Debug("Subscriber write failed, unsubscribing",
					"subscriber_id", s.id, "transport", s.transport, "error", err)
				metrics.RecordEviction(metrics.EvictionWriteError)
				s.Close()
				return
			}
		}
	}
}
