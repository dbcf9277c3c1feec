package events

import (
	"log"
	"sync"
	"time"
)

// Sink receives every event published on the bus, for durable storage.
type Sink interface {
	Append(ev *AgentEvent) error
}

// Config holds bus configuration.
type Config struct {
	// WindowSize is the replay window capacity in events.
	// Default: 256
	WindowSize int

	// SubscriberBuffer is each subscriber's live channel capacity. A
	// subscriber that falls this far behind is dropped from live tailing.
	// Default: 200
	SubscriberBuffer int

	// LastID seeds the id sequence; the first published event gets LastID+1.
	// Pass the durable store's maximum id so ids are never reused across
	// restarts.
	LastID int64

	// Sink, when non-nil, receives every published event for durable
	// storage. Append errors are logged, never propagated to publishers.
	Sink Sink
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:       256,
		SubscriberBuffer: 200,
	}
}

// Subscription is one subscriber's view of the bus.
//
// Backlog must be consumed before C: it holds replayed events (preceded by a
// single _gap event when the subscriber's last-seen id fell behind the
// window) whose ids are all smaller than anything that will arrive on C.
type Subscription struct {
	// C delivers live events. It is never closed; Kicked signals removal.
	C <-chan *AgentEvent
	// Backlog holds the replayed events, oldest first.
	Backlog []*AgentEvent
	// Kicked is closed when the bus drops this subscriber for falling
	// behind. After Kicked the subscriber should reconnect with its
	// last-seen id.
	Kicked <-chan struct{}

	id     int
	ch     chan *AgentEvent
	kicked chan struct{}
}

// Stats is a point-in-time snapshot of bus state.
type Stats struct {
	// LastID is the highest id assigned so far (0 if nothing published)
	LastID int64
	// WindowFloor is the oldest id still in the replay window (0 if empty)
	WindowFloor int64
	// WindowLen is the number of events currently buffered
	WindowLen int
	// Subscribers is the number of live subscribers
	Subscribers int
	// Kicked is the total number of subscribers dropped for falling behind
	Kicked int64
}

// Bus is a single-writer-per-event, multi-reader event bus with a bounded
// in-memory replay window. Publish assigns strictly increasing ids and never
// blocks on subscriber speed: a subscriber whose buffer is full is dropped
// from live tailing and must reconnect with its last-seen id.
type Bus struct {
	mu sync.Mutex

	lastID int64

	// window is a circular buffer of the most recent events
	window []*AgentEvent
	start  int
	count  int

	subs    map[int]*Subscription
	nextSub int
	kicked  int64

	subBuf int
	sink   Sink
}

// NewBus creates an event bus.
func NewBus(cfg *Config) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 256
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 200
	}

	return &Bus{
		lastID: cfg.LastID,
		window: make([]*AgentEvent, cfg.WindowSize),
		subs:   make(map[int]*Subscription),
		subBuf: cfg.SubscriberBuffer,
		sink:   cfg.Sink,
	}
}

// Publish assigns the next id to ev, appends it to the replay window,
// delivers it to live subscribers, and hands it to the durable sink.
// Returns the assigned id.
func (b *Bus) Publish(ev *AgentEvent) int64 {
	b.mu.Lock()
	b.lastID++
	ev.ID = b.lastID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.push(ev)

	// Non-blocking delivery under the same lock keeps per-subscriber id
	// order consistent across concurrent publishers.
	var dropped []*Subscription
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		delete(b.subs, s.id)
		close(s.kicked)
		b.kicked++
	}
	b.mu.Unlock()

	if b.sink != nil {
		if err := b.sink.Append(ev); err != nil {
			log.Printf("events: durable append failed for event %d: %v", ev.ID, err)
		}
	}

	return ev.ID
}

// Subscribe registers a subscriber. lastSeenID is the highest id the caller
// has already handled (0 for a fresh connection, which receives live events
// only). Replay and gap accounting are computed from a single snapshot taken
// under the bus lock, so a concurrent publish is either fully replayed or
// delivered live, never lost between the two.
func (b *Bus) Subscribe(lastSeenID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:     b.nextSub,
		ch:     make(chan *AgentEvent, b.subBuf),
		kicked: make(chan struct{}),
	}
	sub.C = sub.ch
	sub.Kicked = sub.kicked
	b.nextSub++

	if lastSeenID > 0 && lastSeenID < b.lastID {
		// floor is the oldest id still replayable; with an empty window
		// every id up to lastID has been evicted.
		floor := b.lastID + 1
		if b.count > 0 {
			floor = b.window[b.start].ID
		}

		replay := b.snapshotAfter(lastSeenID)
		if lastSeenID < floor-1 {
			gap := NewGapEvent(lastSeenID+1, floor-1, len(replay), int(floor-lastSeenID-1))
			sub.Backlog = append(sub.Backlog, gap)
		}
		sub.Backlog = append(sub.Backlog, replay...)
	}

	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber. Safe to call after a kick.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

// LastID returns the highest id assigned so far.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID
}

// GetStats returns a snapshot of bus state.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var floor int64
	if b.count > 0 {
		floor = b.window[b.start].ID
	}
	return Stats{
		LastID:      b.lastID,
		WindowFloor: floor,
		WindowLen:   b.count,
		Subscribers: len(b.subs),
		Kicked:      b.kicked,
	}
}

// push appends to the circular window, evicting the oldest entry when full.
// Caller holds b.mu.
func (b *Bus) push(ev *AgentEvent) {
	if b.count < len(b.window) {
		b.window[(b.start+b.count)%len(b.window)] = ev
		b.count++
		return
	}
	b.window[b.start] = ev
	b.start = (b.start + 1) % len(b.window)
}

// snapshotAfter returns buffered events with id > sinceID, oldest first.
// Caller holds b.mu.
func (b *Bus) snapshotAfter(sinceID int64) []*AgentEvent {
	var out []*AgentEvent
	for i := 0; i < b.count; i++ {
		ev := b.window[(b.start+i)%len(b.window)]
		if ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out
}
