package compaction

import (
	"bytes"

	"github.com/marselester/jumpdb/internal/record"
)

// streamHeap is an indexed binary min-heap over the current head entry of
// each input stream being merged, ordered by key and, for equal keys, by
// stream order (the stream with the smaller order is the newer segment
// and pops first).
type streamHeap struct {
	n     int
	pq    []int
	qp    []int
	items []record.Entry
	has   []bool
}

func newStreamHeap(streams int) *streamHeap {
	h := &streamHeap{
		pq:    make([]int, streams+1),
		qp:    make([]int, streams+1),
		items: make([]record.Entry, streams),
		has:   make([]bool, streams),
	}
	for i := range h.qp {
		h.qp[i] = -1
	}
	return h
}

// insert adds or replaces the head entry for stream i.
func (h *streamHeap) insert(i int, e record.Entry) {
	h.items[i] = e
	h.has[i] = true
	if h.qp[i] != -1 {
		// Already on the heap (shouldn't happen in practice since callers
		// only insert after popping), re-sift to be safe.
		h.sink(h.qp[i])
		h.swim(h.qp[i])
		return
	}
	h.n++
	h.qp[i] = h.n
	h.pq[h.n] = i
	h.swim(h.n)
}

// size reports how many streams currently have a pending head entry.
func (h *streamHeap) size() int {
	return h.n
}

// min pops the smallest entry (by key, then by stream order) and returns
// which stream it came from.
func (h *streamHeap) min() (int, record.Entry) {
	streamIdx := h.pq[1]
	e := h.items[streamIdx]

	h.exchange(1, h.n)
	h.n--
	h.sink(1)

	h.has[streamIdx] = false
	h.qp[streamIdx] = -1
	h.pq[h.n+1] = -1

	return streamIdx, e
}

func (h *streamHeap) less(i, j int) bool {
	a, b := h.pq[i], h.pq[j]
	c := bytes.Compare(h.items[a].Key, h.items[b].Key)
	if c != 0 {
		return c < 0
	}
	// Equal keys: the stream with the smaller index is the newer segment
	// (inputs are ordered newest-to-oldest) and must win.
	return a < b
}

func (h *streamHeap) exchange(i, j int) {
	h.pq[i], h.pq[j] = h.pq[j], h.pq[i]
	h.qp[h.pq[i]] = i
	h.qp[h.pq[j]] = j
}

func (h *streamHeap) swim(k int) {
	for k > 1 && h.less(k, k/2) {
		h.exchange(k, k/2)
		k /= 2
	}
}

func (h *streamHeap) sink(k int) {
	for 2*k <= h.n {
		j := 2 * k
		if j < h.n && h.less(j+1, j) {
			j++
		}
		if !h.less(j, k) {
			break
		}
		h.exchange(k, j)
		k = j
	}
}
