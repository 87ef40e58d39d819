// Package sstable implements the immutable on-disk segment format: the
// writer that serializes an ordered entry stream plus its sparse index and
// Bloom filter, and the reader that looks a key up in one segment using
// the filter, then the index, then a bounded scan.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/marselester/jumpdb/internal/record"
)

// magic and version identify the trailer format appended after the entry
// stream, the way lsm-go tags its SSTable footer.
const (
	magic   uint32 = 0x4a4d5044 // "JMPD"
	version uint16 = 1
)

// ErrCorrupt is returned when a segment's trailer doesn't parse: a bad
// magic number, a truncated footer, or a checksum mismatch. Corruption of
// one segment must not prevent reading any other segment.
var ErrCorrupt = errors.New("sstable: corrupt segment")

// footerSize is the length in bytes of the fixed trailer written after the
// index block and Bloom filter block.
//
//	u64 indexOffset
//	u64 indexSize
//	u64 bloomOffset
//	u64 bloomSize
//	u64 entryCount
//	u32 magic
//	u16 version
const footerSize = 8 + 8 + 8 + 8 + 8 + 4 + 2

// indexEntry is one sample in a segment's sparse index: a key and the
// file offset of the entry it names.
type indexEntry struct {
	key    []byte
	offset int64
}

// Writer serializes an ordered, tombstone-carrying entry stream into a
// segment file, sampling a sparse index and populating a Bloom filter as
// it goes. The caller must feed entries in strictly ascending key order.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	stride int

	offset  int64
	count   int
	sampled int

	index []indexEntry
	bloom *bloom.BloomFilter

	lastKey    []byte
	lastOffset int64
}

// CreateWriter opens path for exclusive creation and prepares a Writer
// that expects approximately n entries, sizing its Bloom filter for a
// target false-positive rate of fpRate and sampling the sparse index
// every stride entries (plus the first and last).
func CreateWriter(path string, n int, fpRate float64, stride int) (*Writer, error) {
	if stride < 1 {
		stride = 1
	}
	if n < 1 {
		n = 1
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &Writer{
		f:      f,
		w:      bufio.NewWriterSize(f, 64*1024),
		stride: stride,
		bloom:  bloom.NewWithEstimates(uint(n), fpRate),
	}, nil
}

// Write appends e to the segment, including it in the Bloom filter (even
// when it is a tombstone, so deletes remain discoverable) and sampling it
// into the sparse index when its position falls on the stride or it is
// the first entry written.
func (sw *Writer) Write(e record.Entry) error {
	start := sw.offset
	if err := record.Write(sw.w, e); err != nil {
		return fmt.Errorf("sstable: write entry: %w", err)
	}
	sw.offset += int64(e.Len())

	sw.bloom.Add(e.Key)

	if sw.count == 0 || sw.count%sw.stride == 0 {
		sw.index = append(sw.index, indexEntry{key: append([]byte(nil), e.Key...), offset: start})
		sw.sampled = sw.count
	}
	sw.count++
	sw.lastKey = append([]byte(nil), e.Key...)
	sw.lastOffset = start

	return nil
}

// Close finalizes the segment: it ensures the last entry is sampled,
// writes the index block, the Bloom filter block and the footer, fsyncs
// and closes the file, and returns the in-memory Segment ready to be
// registered.
func (sw *Writer) Close() (*Segment, error) {
	if sw.count > 0 && sw.sampled != sw.count-1 {
		sw.index = append(sw.index, indexEntry{key: sw.lastKey, offset: sw.lastOffset})
	}

	indexOffset := sw.offset
	indexSize, err := sw.writeIndexBlock()
	if err != nil {
		return nil, err
	}
	sw.offset += int64(indexSize)

	bloomOffset := sw.offset
	bloomSize, err := sw.writeBloomBlock()
	if err != nil {
		return nil, err
	}
	sw.offset += int64(bloomSize)

	if err := sw.writeFooter(indexOffset, int64(indexSize), bloomOffset, int64(bloomSize)); err != nil {
		return nil, err
	}

	if err := sw.w.Flush(); err != nil {
		return nil, fmt.Errorf("sstable: flush: %w", err)
	}
	if err := sw.f.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}
	path := sw.f.Name()
	if err := sw.f.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close: %w", err)
	}

	return openSegment(path, sw.index, sw.bloom, indexOffset, sw.count)
}

// Abort discards a partially written segment, used when the flush or
// compaction that started it fails partway through.
func (sw *Writer) Abort() error {
	path := sw.f.Name()
	_ = sw.f.Close()
	return os.Remove(path)
}

func (sw *Writer) writeIndexBlock() (int, error) {
	var buf bytes.Buffer
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&buf, crc)

	_ = binary.Write(mw, binary.LittleEndian, uint32(len(sw.index)))
	for _, e := range sw.index {
		_ = binary.Write(mw, binary.LittleEndian, uint32(len(e.key)))
		_, _ = mw.Write(e.key)
		_ = binary.Write(mw, binary.LittleEndian, e.offset)
	}
	binary.Write(&buf, binary.LittleEndian, crc.Sum32())

	n, err := sw.w.Write(buf.Bytes())
	return n, err
}

func (sw *Writer) writeBloomBlock() (int, error) {
	var buf bytes.Buffer
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&buf, crc)

	if _, err := sw.bloom.WriteTo(mw); err != nil {
		return 0, fmt.Errorf("sstable: write bloom filter: %w", err)
	}
	binary.Write(&buf, binary.LittleEndian, crc.Sum32())

	n, err := sw.w.Write(buf.Bytes())
	return n, err
}

func (sw *Writer) writeFooter(indexOffset, indexSize, bloomOffset, bloomSize int64) error {
	var buf [footerSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(indexSize))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(bloomOffset))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(bloomSize))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(sw.count))
	binary.LittleEndian.PutUint32(buf[40:44], magic)
	binary.LittleEndian.PutUint16(buf[44:46], version)
	_, err := sw.w.Write(buf[:])
	return err
}

// Segment is an immutable, registered SSTable: a file handle plus the
// sparse index and Bloom filter loaded alongside it.
type Segment struct {
	ID    uint64
	Path  string
	f     *os.File
	index []indexEntry
	bloom *bloom.BloomFilter
	// EntryCount is the number of entries (including tombstones) written
	// to this segment, used to size the Bloom filter of a segment merged
	// from it.
	EntryCount int
	// dataEnd is the file offset where the entry stream ends and the
	// index block begins, the upper bound for a full sequential scan
	// (used by the compactor's merge iterator).
	dataEnd int64
}

// Open loads an existing segment file from disk, rebuilding its sparse
// index and Bloom filter from the trailer written by Writer.Close in a
// single pass over the trailer rather than a full rescan of the entries.
func Open(path string, id uint64) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < footerSize {
		f.Close()
		return nil, ErrCorrupt
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], st.Size()-footerSize); err != nil {
		f.Close()
		return nil, err
	}
	gotMagic := binary.LittleEndian.Uint32(footer[40:44])
	gotVersion := binary.LittleEndian.Uint16(footer[44:46])
	if gotMagic != magic || gotVersion != version {
		f.Close()
		return nil, ErrCorrupt
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexSize := int64(binary.LittleEndian.Uint64(footer[8:16]))
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[16:24]))
	bloomSize := int64(binary.LittleEndian.Uint64(footer[24:32]))
	entryCount := int(binary.LittleEndian.Uint64(footer[32:40]))

	idx, err := readIndexBlock(f, indexOffset, indexSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	bf, err := readBloomBlock(f, bloomOffset, bloomSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	seg := &Segment{ID: id, Path: path, f: f, index: idx, bloom: bf, dataEnd: indexOffset, EntryCount: entryCount}
	return seg, nil
}

func openSegment(path string, idx []indexEntry, bf *bloom.BloomFilter, dataEnd int64, entryCount int) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Segment{Path: path, f: f, index: idx, bloom: bf, dataEnd: dataEnd, EntryCount: entryCount}, nil
}

func readIndexBlock(f *os.File, offset, size int64) ([]indexEntry, error) {
	if size < 4+4 {
		return nil, ErrCorrupt
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("sstable: read index block: %w", err)
	}

	payload := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, ErrCorrupt
	}

	r := bytes.NewReader(payload)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, ErrCorrupt
	}
	entries := make([]indexEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var klen uint32
		if err := binary.Read(r, binary.LittleEndian, &klen); err != nil {
			return nil, ErrCorrupt
		}
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, ErrCorrupt
		}
		var off int64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return nil, ErrCorrupt
		}
		entries = append(entries, indexEntry{key: key, offset: off})
	}
	return entries, nil
}

func readBloomBlock(f *os.File, offset, size int64) (*bloom.BloomFilter, error) {
	if size < 4 {
		return nil, ErrCorrupt
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("sstable: read bloom block: %w", err)
	}

	payload := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, ErrCorrupt
	}

	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("sstable: decode bloom filter: %w", err)
	}
	return bf, nil
}

// LookupResult is the outcome of a single-segment lookup: a value, a
// tombstone (the key was deleted in this segment), or not found.
type LookupResult int

const (
	NotFound LookupResult = iota
	Found
	FoundTombstone
)

// Lookup resolves key against one segment: the Bloom filter gives a
// definitive NotFound, otherwise the sparse index is binary-searched for
// the sample at or before key and a linear scan bounded by the next
// sample (or EOF) looks for an exact match. Any single call reads at most
// the segment's configured stride worth of entries.
func (s *Segment) Lookup(key []byte) (value []byte, result LookupResult, err error) {
	if !s.bloom.Test(key) {
		return nil, NotFound, nil
	}
	if len(s.index) == 0 {
		return nil, NotFound, nil
	}

	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].key, key) > 0
	})
	if i == 0 {
		// key is less than every sampled key, including the first.
		return nil, NotFound, nil
	}
	sample := s.index[i-1]
	if bytes.Compare(key, sample.key) < 0 {
		return nil, NotFound, nil
	}

	bound := s.dataEnd
	if i < len(s.index) {
		bound = s.index[i].offset
	}

	offset := sample.offset
	for offset < bound {
		e, next, err := record.ReadAt(s.f, offset)
		if err == io.EOF {
			return nil, NotFound, nil
		}
		if err != nil {
			return nil, NotFound, fmt.Errorf("sstable: scan: %w", err)
		}

		cmp := bytes.Compare(e.Key, key)
		if cmp == 0 {
			if e.Tombstone {
				return nil, FoundTombstone, nil
			}
			return e.Value, Found, nil
		}
		if cmp > 0 {
			return nil, NotFound, nil
		}
		offset = next
	}
	return nil, NotFound, nil
}

// Iterator sequentially reads every entry of a segment in ascending key
// order, the access pattern the compactor's k-way merge drives.
type Iterator struct {
	s      *Segment
	offset int64
}

// NewIterator returns an iterator positioned before the segment's first
// entry.
func (s *Segment) NewIterator() *Iterator {
	return &Iterator{s: s}
}

// Next returns the next entry in the segment, or io.EOF once the data
// region is exhausted.
func (it *Iterator) Next() (record.Entry, error) {
	if it.offset >= it.s.dataEnd {
		return record.Entry{}, io.EOF
	}
	e, next, err := record.ReadAt(it.s.f, it.offset)
	if err != nil {
		return record.Entry{}, err
	}
	it.offset = next
	return e, nil
}

// Close releases the segment's file handle. The in-memory sparse index
// and Bloom filter are released with it.
func (s *Segment) Close() error {
	return s.f.Close()
}

// Remove closes and deletes the segment's file, used when a segment is
// retired after a compaction that fully supersedes it, or when the
// engine is closed without persisting segments.
func (s *Segment) Remove() error {
	_ = s.f.Close()
	return os.Remove(s.Path)
}

// Rename moves the segment's underlying file to newPath, used by the
// compactor to move a finished ".tmp" output into its permanent name.
// The already-open read handle stays valid across the rename.
func (s *Segment) Rename(newPath string) error {
	if err := os.Rename(s.Path, newPath); err != nil {
		return err
	}
	s.Path = newPath
	return nil
}
