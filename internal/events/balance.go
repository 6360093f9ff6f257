package events

import (
	"sync"
	"time"
)

// BalanceUpdate is a domain event carrying the recomputed account balance.
// Uses a string amount to avoid float precision issues when consumed by UI layers.
type BalanceUpdate struct {
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user_id"`
	Balance   string    `json:"balance"`
}

// Broadcaster fans out balance updates to all subscribers via buffered channels.
// It keeps the API intentionally small so call sites can stay straightforward.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan BalanceUpdate]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan BalanceUpdate]struct{}),
		buffer: buffer,
	}
}

// Publish sends the update to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(u BalanceUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- u:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives updates until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan BalanceUpdate {
	ch := make(chan BalanceUpdate, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan BalanceUpdate) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
