package reactor

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer. The zero value is never issued.
type TimerID uint64

type timer struct {
	id       TimerID
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// timerQueue is a min-heap of timers ordered by deadline, then insertion.
type timerQueue struct {
	items  []*timer
	byID   map[TimerID]*timer
	nextID TimerID
	seq    uint64
}

func (q *timerQueue) init() {
	q.items = nil
	q.byID = make(map[TimerID]*timer)
}

func (q *timerQueue) Len() int { return len(q.items) }

func (q *timerQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func (q *timerQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(q.items)
	q.items = append(q.items, t)
}

func (q *timerQueue) Pop() any {
	n := len(q.items)
	t := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	t.index = -1
	return t
}

func (q *timerQueue) add(deadline time.Time, fn func()) TimerID {
	q.nextID++
	q.seq++
	t := &timer{id: q.nextID, deadline: deadline, seq: q.seq, fn: fn}
	heap.Push(q, t)
	q.byID[t.id] = t
	return t.id
}

func (q *timerQueue) cancel(id TimerID) bool {
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	heap.Remove(q, t.index)
	return true
}

func (q *timerQueue) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].deadline, true
}

func (q *timerQueue) popDue(now time.Time) (func(), bool) {
	if len(q.items) == 0 || q.items[0].deadline.After(now) {
		return nil, false
	}
	t := heap.Pop(q).(*timer)
	delete(q.byID, t.id)
	return t.fn, true
}
