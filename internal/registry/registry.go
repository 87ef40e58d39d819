// Package registry holds the ordered, newest-first list of live segments
// and publishes it to readers as an immutable snapshot, the way the
// teacher publishes db.segments through a sync/atomic.Value.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/marselester/jumpdb/internal/sstable"
)

// Registry is a totally ordered, newest-to-oldest sequence of live
// segments. Readers load a consistent snapshot without locking; writers
// (flush and compaction) serialize their copy-on-write swaps under mu.
type Registry struct {
	mu  sync.Mutex
	cur atomic.Value // []*sstable.Segment, newest first
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.cur.Store([]*sstable.Segment(nil))
	return r
}

// Load returns the current segment list, newest first. The returned slice
// must not be mutated; callers that need to change membership go through
// Prepend or Replace.
func (r *Registry) Load() []*sstable.Segment {
	return r.cur.Load().([]*sstable.Segment)
}

// Prepend registers seg as the newest live segment, used by the flush
// path after a frozen memtable has been fully written to disk.
func (r *Registry) Prepend(seg *sstable.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Load()
	next := make([]*sstable.Segment, len(cur)+1)
	next[0] = seg
	copy(next[1:], cur)
	r.cur.Store(next)
}

// Replace atomically swaps the registry so that inputs are no longer
// live and output takes their place, preserving the relative order of
// any segments that were not part of the compaction. The returned slice
// is the set of segments now safe to delete from disk: their bytes are
// no longer reachable through the registry.
func (r *Registry) Replace(inputs []*sstable.Segment, output *sstable.Segment) []*sstable.Segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	in := make(map[*sstable.Segment]bool, len(inputs))
	for _, s := range inputs {
		in[s] = true
	}

	cur := r.Load()
	next := make([]*sstable.Segment, 0, len(cur)-len(inputs)+1)
	placed := false
	for _, s := range cur {
		if in[s] {
			if !placed {
				next = append(next, output)
				placed = true
			}
			continue
		}
		next = append(next, s)
	}
	if !placed {
		next = append(next, output)
	}
	r.cur.Store(next)

	retired := make([]*sstable.Segment, 0, len(inputs))
	retired = append(retired, inputs...)
	return retired
}

// Close closes every live segment's file handle. If remove is true, the
// underlying files are deleted as well.
func (r *Registry) Close(remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, s := range r.Load() {
		var err error
		if remove {
			err = s.Remove()
		} else {
			err = s.Close()
		}
		if err != nil && first == nil {
			first = err
		}
	}
	r.cur.Store([]*sstable.Segment(nil))
	return first
}
