// Package compaction implements the k-way merge of segments: newest-wins
// per key group, with tombstone reconciliation once no older segment
// remains to shadow.
package compaction

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marselester/jumpdb/internal/record"
	"github.com/marselester/jumpdb/internal/sstable"
)

// Merge performs an ordered k-way merge of inputs, which must be ordered
// newest-to-oldest, writing the retained entry of each key group to out.
// When includesOldest is true, the compaction covers the oldest live
// segment, so a retained tombstone has nothing left to shadow and is
// dropped rather than re-emitted. Merge reports the number of entries
// written to out.
func Merge(inputs []*sstable.Segment, out *sstable.Writer, includesOldest bool) (int, error) {
	iters := make([]*sstable.Iterator, len(inputs))
	for i, s := range inputs {
		iters[i] = s.NewIterator()
	}

	h := newStreamHeap(len(iters))
	for i := range iters {
		e, err := iters[i].Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("compaction: read segment %d: %w", i, err)
		}
		h.insert(i, e)
	}

	var (
		emitted int
		pending *record.Entry
	)
	flush := func() error {
		if pending == nil {
			return nil
		}
		e := *pending
		pending = nil
		if e.Tombstone && includesOldest {
			return nil
		}
		if err := out.Write(e); err != nil {
			return fmt.Errorf("compaction: write merged entry: %w", err)
		}
		emitted++
		return nil
	}

	for h.size() > 0 {
		i, e := h.min()

		if pending == nil || !bytes.Equal(pending.Key, e.Key) {
			if err := flush(); err != nil {
				return 0, err
			}
			cp := e
			pending = &cp
		}
		// Else: a pending entry for this key already exists from a
		// newer stream (streams pop newest-first on key ties), so this
		// older occurrence of the same key is superseded and discarded.

		next, err := iters[i].Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("compaction: read segment %d: %w", i, err)
		}
		h.insert(i, next)
	}
	if err := flush(); err != nil {
		return 0, err
	}

	return emitted, nil
}
