package features

// queue is a FIFO over a slice; popped slots are reclaimed once they dominate the backing array.
type queue[T any] struct {
	items []T
	head  int
}

func (q *queue[T]) push(v T) {
	q.items = append(q.items, v)
}

func (q *queue[T]) len() int {
	return len(q.items) - q.head
}

func (q *queue[T]) front() (T, bool) {
	var zero T
	if q.len() == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

func (q *queue[T]) pop() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}
