package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"go.uber.org/zap"

	"github.com/marselester/jumpdb/internal/registry"
	"github.com/marselester/jumpdb/internal/sstable"
)

// Compactor is an actor responsible for merging segments in the
// background. It merges only once at a time, signaled by Notify.
type Compactor struct {
	dir       string
	threshold int
	stride    int
	fpRate    float64

	reg    *registry.Registry
	nextID func() uint64
	log    *zap.SugaredLogger

	notif chan struct{}
	sem   *semaphore.Weighted
}

// New returns a Compactor that merges the live segments in reg down to
// one whenever their count exceeds threshold, writing output segments
// under dir with the given sparse-index stride and Bloom filter
// false-positive rate. nextID supplies monotonically increasing segment
// ids for output files.
func New(dir string, threshold, stride int, fpRate float64, reg *registry.Registry, nextID func() uint64, log *zap.SugaredLogger) *Compactor {
	return &Compactor{
		dir:       dir,
		threshold: threshold,
		stride:    stride,
		fpRate:    fpRate,
		reg:       reg,
		nextID:    nextID,
		log:       log,
		notif:     make(chan struct{}, 1),
		sem:       semaphore.NewWeighted(1),
	}
}

// Run starts the actor; it exits when ctx is cancelled, after finishing
// any compaction already in flight so the registry never ends up
// half-merged.
func (c *Compactor) Run(ctx context.Context) error {
	for {
		select {
		case <-c.notif:
			if !c.sem.TryAcquire(1) {
				break
			}
			err := c.maybeCompact()
			c.sem.Release(1)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Notify informs the actor that the segment count may warrant
// compaction. It never blocks: a pending notification already covers the
// next run.
func (c *Compactor) Notify() {
	select {
	case c.notif <- struct{}{}:
	default:
	}
}

// maybeCompact merges every live segment into one if the registry has
// grown past the configured threshold. Merging the entire registry in
// one pass (size-tiered compaction with no partial selection) keeps the
// "does this compaction include the oldest live segment" tombstone rule
// trivially true every time compaction runs.
func (c *Compactor) maybeCompact() error {
	inputs := c.reg.Load()
	if len(inputs) <= c.threshold {
		return nil
	}

	total := 0
	for _, s := range inputs {
		total += s.EntryCount
	}

	id := c.nextID()
	tmpPath := filepath.Join(c.dir, fmt.Sprintf("segment-%d.sst.tmp", id))
	w, err := sstable.CreateWriter(tmpPath, total, c.fpRate, c.stride)
	if err != nil {
		return fmt.Errorf("compaction: create output segment: %w", err)
	}

	n, err := Merge(inputs, w, true)
	if err != nil {
		_ = w.Abort()
		return fmt.Errorf("compaction: merge %d segments: %w", len(inputs), err)
	}
	out, err := w.Close()
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compaction: finalize output segment: %w", err)
	}
	out.ID = id

	finalPath := filepath.Join(c.dir, fmt.Sprintf("segment-%d.sst", id))
	if err := out.Rename(finalPath); err != nil {
		_ = out.Remove()
		return fmt.Errorf("compaction: rename output segment: %w", err)
	}

	retired := c.reg.Replace(inputs, out)

	if c.log != nil {
		c.log.Infow("compacted segments",
			"inputs", len(inputs), "entries_written", n, "output_id", id)
	}

	for _, s := range retired {
		if err := s.Remove(); err != nil && c.log != nil {
			c.log.Errorw("failed to remove retired segment", "path", s.Path, "error", err)
		}
	}

	return nil
}
