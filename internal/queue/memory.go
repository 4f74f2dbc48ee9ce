package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"minichat/internal/domain"
)

type delayed struct {
	readyAt time.Time
	seq     uint64
	item    domain.QueueItem
}

// delayHeap orders by readyAt, then by scheduling sequence.
type delayHeap []*delayed

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

// Memory is an in-process DelayQueue: a min-heap of pending items, a
// promoter goroutine, and a FIFO ready list drained by Take.
type Memory struct {
	mu      sync.Mutex
	pending delayHeap
	ready   []domain.QueueItem
	seq     uint64

	wake  chan struct{}
	avail chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemory starts the promoter and returns an open queue.
func NewMemory() *Memory {
	m := &Memory{
		wake:  make(chan struct{}, 1),
		avail: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.promote()
	return m
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Memory) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Memory) Schedule(_ context.Context, item domain.QueueItem, delay time.Duration) error {
	if m.closed() {
		return ErrClosed
	}
	m.mu.Lock()
	m.seq++
	heap.Push(&m.pending, &delayed{readyAt: time.Now().Add(delay), seq: m.seq, item: item})
	m.mu.Unlock()
	signal(m.wake)
	return nil
}

func (m *Memory) promote() {
	defer m.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		m.mu.Lock()
		now := time.Now()
		moved := false
		for m.pending.Len() > 0 && !m.pending[0].readyAt.After(now) {
			d := heap.Pop(&m.pending).(*delayed)
			m.ready = append(m.ready, d.item)
			moved = true
		}
		wait := time.Duration(-1)
		if m.pending.Len() > 0 {
			wait = m.pending[0].readyAt.Sub(now)
		}
		m.mu.Unlock()

		if moved {
			signal(m.avail)
		}
		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-m.wake:
		case <-fire:
		}
		timer.Stop()
	}
}

func (m *Memory) Take(ctx context.Context) (domain.QueueItem, error) {
	for {
		if m.closed() {
			return domain.QueueItem{}, ErrClosed
		}
		m.mu.Lock()
		if len(m.ready) > 0 {
			item := m.ready[0]
			m.ready[0] = domain.QueueItem{}
			m.ready = m.ready[1:]
			more := len(m.ready) > 0
			m.mu.Unlock()
			if more {
				signal(m.avail)
			}
			return item, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.QueueItem{}, ctx.Err()
		case <-m.done:
			return domain.QueueItem{}, ErrClosed
		case <-m.avail:
		}
	}
}

// Len reports the number of pending (delayed) and ready items.
func (m *Memory) Len() (pending, ready int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len(), len(m.ready)
}

// Close stops the promoter. Pending and ready items are discarded.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}
