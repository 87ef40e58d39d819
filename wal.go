package jumpdb

import (
	"bufio"
	"fmt"
	"os"

	"github.com/marselester/jumpdb/internal/record"
)

// wal is a write-ahead log of the entries currently buffered in the
// memtable. It is never replayed on Open: the memtable stays empty
// after a restart and durability instead comes from flushed segments.
// Open truncates the log (see createWAL), so a write that was logged but
// not yet flushed when the process exited is not recovered by the engine.
type wal struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// createWAL truncates (or creates) the WAL file at path for a fresh run.
// Open always starts from an empty log: whatever a previous run wrote is
// superseded by the segments that run flushed before exiting, or is
// simply lost.
func createWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &wal{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Append records e in the log and fsyncs, so the write is durable before
// Append returns. Not concurrency safe; the engine serializes WAL writes
// under the same lock that guards the memtable.
func (w *wal) Append(e record.Entry) error {
	if err := record.Write(w.w, e); err != nil {
		return fmt.Errorf("wal: encode entry: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Truncate discards every record logged so far, called once the entries
// it covers have been durably written to a flushed segment.
func (w *wal) Truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.Seek(0, 0)
	return err
}

// Close closes the WAL file.
func (w *wal) Close() error {
	return w.f.Close()
}
