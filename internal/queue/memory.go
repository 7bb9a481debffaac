package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// MemoryQueue keeps one heap per agent, each behind its own mutex.
type MemoryQueue struct {
	mu     sync.Mutex
	agents map[string]*agentQueue
	seq    atomic.Int64
}

type agentQueue struct {
	mu    sync.Mutex
	items entryHeap
	index map[string]*heapItem
}

type heapItem struct {
	entry Entry
	score float64
	pos   int
}

type entryHeap []*heapItem

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].score > h[j].score }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*heapItem)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{agents: make(map[string]*agentQueue)}
}

func (q *MemoryQueue) agent(agentID string, create bool) *agentQueue {
	q.mu.Lock()
	defer q.mu.Unlock()

	aq, ok := q.agents[agentID]
	if !ok && create {
		aq = &agentQueue{index: make(map[string]*heapItem)}
		q.agents[agentID] = aq
	}
	return aq
}

func (q *MemoryQueue) Enqueue(_ context.Context, agentID, commandID string, priority int) error {
	aq := q.agent(agentID, true)
	seq := q.seq.Add(1)
	entry := Entry{CommandID: commandID, Priority: priority, Seq: seq}

	aq.mu.Lock()
	defer aq.mu.Unlock()

	if it, ok := aq.index[commandID]; ok {
		it.entry = entry
		it.score = Score(priority, seq)
		heap.Fix(&aq.items, it.pos)
		return nil
	}
	it := &heapItem{entry: entry, score: Score(priority, seq)}
	heap.Push(&aq.items, it)
	aq.index[commandID] = it
	return nil
}

func (q *MemoryQueue) DequeueHighest(_ context.Context, agentID string) (Entry, bool, error) {
	aq := q.agent(agentID, false)
	if aq == nil {
		return Entry{}, false, nil
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return aq.popLocked()
}

func (aq *agentQueue) popLocked() (Entry, bool, error) {
	if aq.items.Len() == 0 {
		return Entry{}, false, nil
	}
	it := heap.Pop(&aq.items).(*heapItem)
	delete(aq.index, it.entry.CommandID)
	return it.entry, true, nil
}

// DequeueBatch takes up to limit entries one atomic pop at a time.
func (q *MemoryQueue) DequeueBatch(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}
	var out []Entry
	for len(out) < limit {
		e, ok, err := q.DequeueHighest(ctx, agentID)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, agentID, commandID string) (bool, error) {
	aq := q.agent(agentID, false)
	if aq == nil {
		return false, nil
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()

	it, ok := aq.index[commandID]
	if !ok {
		return false, nil
	}
	heap.Remove(&aq.items, it.pos)
	delete(aq.index, commandID)
	return true, nil
}

func (q *MemoryQueue) Contains(_ context.Context, agentID, commandID string) (bool, error) {
	aq := q.agent(agentID, false)
	if aq == nil {
		return false, nil
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()
	_, ok := aq.index[commandID]
	return ok, nil
}

func (q *MemoryQueue) Depth(_ context.Context, agentID string) (int, error) {
	aq := q.agent(agentID, false)
	if aq == nil {
		return 0, nil
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return aq.items.Len(), nil
}

func (q *MemoryQueue) Depths(ctx context.Context) (map[string]int, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.agents))
	for id := range q.agents {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	out := make(map[string]int, len(ids))
	for _, id := range ids {
		n, _ := q.Depth(ctx, id)
		if n > 0 {
			out[id] = n
		}
	}
	return out, nil
}

func (q *MemoryQueue) Clear(_ context.Context, agentID string) (int, error) {
	aq := q.agent(agentID, false)
	if aq == nil {
		return 0, nil
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()

	n := aq.items.Len()
	aq.items = nil
	aq.index = make(map[string]*heapItem)
	return n, nil
}

func (q *MemoryQueue) Close() error { return nil }
