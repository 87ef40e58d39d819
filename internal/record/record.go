// Package record defines the on-disk entry format shared by the memtable,
// SSTable writer and reader, and the compactor.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// tombstoneLen is the value_len sentinel that marks an entry as a deletion
// rather than a value. A real value can never be this long in practice, and
// a record this large would already be impractical to buffer in memory.
const tombstoneLen = 0xFFFFFFFF

// headerSize is the length in bytes of the key_len/value_len pair that
// precedes every entry.
const headerSize = 4 + 4

// ErrCorrupt is returned when a segment's byte stream doesn't follow the
// entry encoding, e.g. a truncated write or a flipped bit in the length
// fields.
var ErrCorrupt = errors.New("record: corrupt entry")

// Entry is a logical write: a key with either a value or a tombstone
// marking the key deleted.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Len reports the number of bytes Write would emit for e.
func (e Entry) Len() int {
	n := headerSize + len(e.Key)
	if !e.Tombstone {
		n += len(e.Value)
	}
	return n
}

// Write encodes e to w as:
//
//	u32 key_len
//	u32 value_len   (0xFFFFFFFF for a tombstone)
//	key_len bytes of key
//	value_len bytes of value (absent for a tombstone)
//
// All integers are little-endian.
func Write(w io.Writer, e Entry) error {
	if len(e.Key) == 0 {
		return fmt.Errorf("record: empty key")
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(e.Key)))
	if e.Tombstone {
		binary.LittleEndian.PutUint32(hdr[4:8], tombstoneLen)
	} else {
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Value)))
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}
	if !e.Tombstone {
		if _, err := w.Write(e.Value); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt decodes a single entry starting at offset in ra, returning the
// entry and the offset immediately following it. It is used by the SST
// reader's bounded linear scan (see sstable.Segment.Lookup).
func ReadAt(ra io.ReaderAt, offset int64) (Entry, int64, error) {
	var hdr [headerSize]byte
	if _, err := ra.ReadAt(hdr[:], offset); err != nil {
		if err == io.EOF {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, fmt.Errorf("record: read header: %w", err)
	}

	keyLen := binary.LittleEndian.Uint32(hdr[0:4])
	valLen := binary.LittleEndian.Uint32(hdr[4:8])
	if keyLen == 0 {
		return Entry{}, 0, ErrCorrupt
	}

	e := Entry{Key: make([]byte, keyLen)}
	pos := offset + headerSize
	if _, err := ra.ReadAt(e.Key, pos); err != nil {
		return Entry{}, 0, fmt.Errorf("record: read key: %w", err)
	}
	pos += int64(keyLen)

	if valLen == tombstoneLen {
		e.Tombstone = true
	} else {
		e.Value = make([]byte, valLen)
		if valLen > 0 {
			if _, err := ra.ReadAt(e.Value, pos); err != nil {
				return Entry{}, 0, fmt.Errorf("record: read value: %w", err)
			}
		}
		pos += int64(valLen)
	}

	return e, pos, nil
}
