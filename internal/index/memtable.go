// Package index implements the in-memory ordered buffer (the memtable)
// that absorbs recent writes before they are flushed to an SSTable.
package index

import (
	"math/rand"

	"github.com/marselester/jumpdb/internal/record"
)

// maxLevel bounds the skip list's tower height. 32 levels comfortably
// cover memtables far larger than the sizes this engine flushes at.
const maxLevel = 32

type node struct {
	key     string
	entry   record.Entry
	forward []*node
}

// Memtable is an ordered map from key to record.Entry, implemented as a
// skip list so that Set and Get are O(log n) expected and ordered
// traversal at flush time is a single walk of the bottom level, without
// the rebalancing machinery a tree would need.
//
// Memtable is not safe for concurrent use; the engine serializes access to
// it under its own lock.
type Memtable struct {
	head   *node
	levels int
	size   int
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{
		head:   &node{forward: make([]*node, 1)},
		levels: 0,
	}
}

func randomLevel() int {
	level := 0
	for rand.Int31()&1 == 0 && level < maxLevel {
		level++
	}
	return level
}

func (m *Memtable) growTo(level int) {
	grown := make([]*node, level+1)
	copy(grown, m.head.forward)
	m.head.forward = grown
	m.levels = level
}

// Set records key -> value, overwriting any earlier value or tombstone for
// key.
func (m *Memtable) Set(key string, value []byte) {
	m.put(key, record.Entry{Key: []byte(key), Value: value})
}

// Delete records a tombstone for key, overwriting any earlier entry for
// key. It is not an error to delete a key that was never set: older
// segments on disk may still hold it.
func (m *Memtable) Delete(key string) {
	m.put(key, record.Entry{Key: []byte(key), Tombstone: true})
}

func (m *Memtable) put(key string, e record.Entry) {
	updates := make([]*node, m.levels+1)
	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && x.forward[level].key < key {
			x = x.forward[level]
		}
		updates[level] = x
	}

	if x.forward[0] != nil && x.forward[0].key == key {
		x.forward[0].entry = e
		return
	}

	newLevel := randomLevel()
	if newLevel > m.levels {
		m.growTo(newLevel)
		for level := len(updates); level <= newLevel; level++ {
			updates = append(updates, m.head)
		}
	}

	n := &node{key: key, entry: e, forward: make([]*node, newLevel+1)}
	for level := 0; level <= newLevel; level++ {
		n.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = n
	}
	m.size++
}

// Get returns the entry recorded for key, which may be a tombstone.
func (m *Memtable) Get(key string) (record.Entry, bool) {
	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && x.forward[level].key < key {
			x = x.forward[level]
		}
	}
	x = x.forward[0]
	if x == nil || x.key != key {
		return record.Entry{}, false
	}
	return x.entry, true
}

// Len reports the number of distinct keys currently buffered, counting
// tombstones.
func (m *Memtable) Len() int {
	return m.size
}

// Ascend visits every entry in ascending key order, the traversal the
// flush path drives the SSTable writer with. It stops early if fn returns
// false.
func (m *Memtable) Ascend(fn func(key string, e record.Entry) bool) {
	for x := m.head.forward[0]; x != nil; x = x.forward[0] {
		if !fn(x.key, x.entry) {
			return
		}
	}
}
