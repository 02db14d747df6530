package book

import (
	"sync"

	"github.com/gregtusar/flowsignal/pkg/models"
)

// Broadcaster hands published snapshots to subscribers. Each subscriber
// holds at most one undelivered snapshot, always the newest.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan models.MarketSnapshot
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan models.MarketSnapshot)}
}

// Subscribe returns a channel of snapshots and a function that unsubscribes
// and closes it.
func (b *Broadcaster) Subscribe() (<-chan models.MarketSnapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan models.MarketSnapshot, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(s models.MarketSnapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Replace the stale undelivered value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
