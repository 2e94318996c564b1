package bridge

import "sync"

// fragmentQueue is an unbounded FIFO shared by the generation loop and the
// frame-paced consumer. push never blocks, so the engine is never throttled
// by a slow consumer.
type fragmentQueue struct {
	mu    sync.Mutex
	items []string
	head  int
}

func (q *fragmentQueue) push(s string) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()
}

func (q *fragmentQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return "", false
	}
	s := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return s, true
}

func (q *fragmentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
