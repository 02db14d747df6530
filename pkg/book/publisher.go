package book

import (
	"sync"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
)

// Publisher coalesces snapshots so at most one is emitted per interval. A
// snapshot offered inside the interval is held and emitted once when the
// interval ends; later offers replace it. Emission order always follows
// offer order.
type Publisher struct {
	interval time.Duration
	emit     func(models.MarketSnapshot)
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending *models.MarketSnapshot
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func NewPublisher(interval time.Duration, emit func(models.MarketSnapshot)) *Publisher {
	return &Publisher{
		interval: interval,
		emit:     emit,
		now:      time.Now,
	}
}

func (p *Publisher) Offer(s models.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if p.timer != nil {
		p.pending = &s
		return
	}

	elapsed := p.now().Sub(p.last)
	if p.last.IsZero() || elapsed >= p.interval {
		p.emitLocked(s)
		return
	}

	p.pending = &s
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(p.interval-elapsed, func() { p.flush(gen) })
}

// PublishNow emits immediately, dropping any deferred snapshot since s is newer.
func (p *Publisher) PublishNow(s models.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.cancelLocked()
	p.emitLocked(s)
}

// Discard drops a deferred snapshot without emitting it.
func (p *Publisher) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
}

func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.stopped = true
}

func (p *Publisher) flush(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen || p.timer == nil {
		return
	}
	p.timer = nil
	if p.pending == nil || p.stopped {
		return
	}
	s := *p.pending
	p.pending = nil
	p.emitLocked(s)
}

func (p *Publisher) cancelLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.pending = nil
}

func (p *Publisher) emitLocked(s models.MarketSnapshot) {
	p.last = p.now()
	p.emit(s)
}
