package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Completion is published after a check-in was delivered successfully.
type Completion struct {
	EventID string
	TaskID  int64
	Session string
	Role    string
	Window  int
	Message string
	At      time.Time
}

// Key identifies the completion for re-entrance protection.
func (c Completion) Key() string {
	return fmt.Sprintf("%s/%s#%d", c.Session, c.Role, c.TaskID)
}

// Subscriber receives task completions.
type Subscriber func(ctx context.Context, c Completion) error

// Bus delivers completions to subscribers synchronously. A completion whose
// key is already being delivered is dropped, so a subscriber that causes the
// same completion to be published again cannot recurse.
type Bus struct {
	mu       sync.Mutex
	subs     map[int]Subscriber
	nextID   int
	inflight map[string]struct{}
	logger   *log.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bus{
		subs:     make(map[int]Subscriber),
		inflight: make(map[string]struct{}),
		logger:   logger,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers c to every subscriber and returns how many ran. It
// returns false without delivering if c's key is already in flight.
func (b *Bus) Publish(ctx context.Context, c Completion) (int, bool) {
	key := c.Key()
	b.mu.Lock()
	if _, busy := b.inflight[key]; busy {
		b.mu.Unlock()
		b.logger.Printf("level=warn msg=\"dropped re-entrant completion\" key=%s", key)
		return 0, false
	}
	b.inflight[key] = struct{}{}
	subs := make([]Subscriber, 0, len(b.subs))
	for id := 0; id < b.nextID; id++ {
		if fn, ok := b.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.inflight, key)
		b.mu.Unlock()
	}()

	for _, fn := range subs {
		b.deliver(ctx, fn, c)
	}
	return len(subs), true
}

func (b *Bus) deliver(ctx context.Context, fn Subscriber, c Completion) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("level=error msg=\"completion subscriber panicked\" key=%s panic=%q", c.Key(), fmt.Sprint(r))
		}
	}()
	if err := fn(ctx, c); err != nil {
		b.logger.Printf("level=warn msg=\"completion subscriber failed\" key=%s err=%q", c.Key(), err)
	}
}
