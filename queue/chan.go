package queue

import (
	"context"
	"sync"
)

// ChanQueue is an in-process bounded queue
type ChanQueue struct {
	ch     chan FetchPhoto
	mu     sync.RWMutex
	closed bool
}

func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = 1000
	}
	return &ChanQueue{ch: make(chan FetchPhoto, size)}
}

func (q *ChanQueue) Push(ctx context.Context, msg FetchPhoto) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *ChanQueue) Pop(ctx context.Context) (FetchPhoto, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return FetchPhoto{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return FetchPhoto{}, ctx.Err()
	}
}

func (q *ChanQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops accepting pushes; queued messages can still be popped
func (q *ChanQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
