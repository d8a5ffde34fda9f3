package common

import (
	"sync"

	"github.com/gammazero/deque"
)

// SyncQueue is a FIFO guarded by its own mutex, so producers on one worker
// and consumers on another never share a lock with anything else.
type SyncQueue[T any] struct {
	items *deque.Deque[T]
	mutex sync.Mutex
}

func NewSyncQueue[T any]() *SyncQueue[T] {
	return &SyncQueue[T]{items: deque.New[T]()}
}

func (q *SyncQueue[T]) Push(item T) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items.PushBack(item)
}

// Pop removes the oldest item. ok is false when the queue is empty.
func (q *SyncQueue[T]) Pop() (item T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.items.Len() == 0 {
		return item, false
	}
	return q.items.PopFront(), true
}

func (q *SyncQueue[T]) IsEmpty() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.items.Len() == 0
}

func (q *SyncQueue[T]) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.items.Len()
}

func (q *SyncQueue[T]) Clear() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items.Clear()
}
