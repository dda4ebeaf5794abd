package core

import "container/heap"

// PQDict is a keyed min-heap (priority dictionary): a mapping from string
// key to integer priority supporting O(log n) Set (insert or update) and
// O(1) Peek of the current minimum. It pairs container/heap (the ordered
// structure spec.md §4.6/§9 calls for) with an auxiliary hashmap from key to
// heap slot, giving the decrease-key/increase-key semantics container/heap
// does not provide on its own. No example repo in the retrieval pack
// implements a third-party decrease-key priority queue, so this one part of
// the core is intentionally stdlib-only (see DESIGN.md).
type PQDict struct {
	h *pqHeap
}

type pqEntry struct {
	key      string
	priority int64
}

// pqHeap implements container/heap.Interface and keeps an index from key to
// slot up to date across every Push/Pop/Swap, so PQDict.Set can locate and
// fix an existing key's slot in O(log n) via heap.Fix.
type pqHeap struct {
	entries []*pqEntry
	index   map[string]int
}

func (h pqHeap) Len() int { return len(h.entries) }
func (h pqHeap) Less(i, j int) bool {
	return h.entries[i].priority < h.entries[j].priority
}
func (h *pqHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].key] = i
	h.index[h.entries[j].key] = j
}
func (h *pqHeap) Push(x interface{}) {
	e := x.(*pqEntry)
	h.index[e.key] = len(h.entries)
	h.entries = append(h.entries, e)
}
func (h *pqHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	delete(h.index, e.key)
	return e
}

// NewPQDict returns an empty keyed min-heap.
func NewPQDict() *PQDict {
	return &PQDict{
		h: &pqHeap{
			entries: make([]*pqEntry, 0),
			index:   make(map[string]int),
		},
	}
}

// Set inserts key with priority, or updates its priority in place if key is
// already present. Idempotent on repeated identical calls, per spec.md §3.
func (p *PQDict) Set(key string, priority int64) {
	if slot, ok := p.h.index[key]; ok {
		p.h.entries[slot].priority = priority
		heap.Fix(p.h, slot)
		return
	}
	heap.Push(p.h, &pqEntry{key: key, priority: priority})
}

// Peek returns the key holding the current minimum priority and that
// priority. The core never calls Peek on an empty PQDict: every heap is
// populated during build before any operation runs.
func (p *PQDict) Peek() (string, int64) {
	top := p.h.entries[0]
	return top.key, top.priority
}

// Len reports how many keys are tracked.
func (p *PQDict) Len() int {
	return p.h.Len()
}

// Get returns key's current priority, if tracked.
func (p *PQDict) Get(key string) (int64, bool) {
	slot, ok := p.h.index[key]
	if !ok {
		return 0, false
	}
	return p.h.entries[slot].priority, true
}
