package events

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cmdforge/internal/types"
)

const defaultBuffer = 64

// Event is one state transition or layer completion of a submission.
type Event struct {
	ArtifactID string             `json:"artifact_id"`
	State      types.State        `json:"state"`
	Layer      types.LayerName    `json:"layer,omitempty"`
	Outcome    types.LayerOutcome `json:"outcome,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Verdict    types.Verdict      `json:"verdict,omitempty"`
	At         time.Time          `json:"at"`
}

type subscriber struct {
	artifactID string
	ch         chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
	closed  bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.artifactID != "" && s.artifactID != ev.ArtifactID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events for artifactID, or for every
// submission when artifactID is empty. The channel is closed when ctx is done
// or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, artifactID string) (<-chan Event, error) {
	s := &subscriber{artifactID: strings.TrimSpace(artifactID), ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s)
	}()
	return s.ch, nil
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
