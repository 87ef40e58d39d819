package jumpdb_test

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"testing"

	"github.com/marselester/jumpdb"
)

func Example() {
	dir, err := os.MkdirTemp("", "jumpdb-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := jumpdb.Open(dir, jumpdb.WithPersistSegments(false))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Set("name", []byte("Moist von Lipwig")); err != nil {
		log.Fatal(err)
	}

	value, err := db.Get("name")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", value)
	// Output:
	// Moist von Lipwig
}

func openTestDB(t *testing.T, opts ...jumpdb.ConfigOption) *jumpdb.DB {
	t.Helper()

	dir := t.TempDir()
	db, err := jumpdb.Open(dir, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestBasic is scenario S1: a few sets that trigger at least one flush must
// all remain readable afterward.
func TestBasic(t *testing.T) {
	db := openTestDB(t, jumpdb.WithMaxInmemorySize(2), jumpdb.WithPersistSegments(false))

	if err := db.Set("k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("k2", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("k3", []byte("v3")); err != nil {
		t.Fatal(err)
	}

	for key, want := range map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"} {
		got, err := db.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if string(got) != want {
			t.Errorf("Get(%s) = %q, want %q", key, got, want)
		}
	}
}

// TestDeleteAcrossSegments is scenario S2: a tombstone written after a
// key has already been flushed to a segment must hide it.
func TestDeleteAcrossSegments(t *testing.T) {
	db := openTestDB(t, jumpdb.WithMaxInmemorySize(1), jumpdb.WithPersistSegments(false))

	must(t, db.Set("a", []byte("1")))
	must(t, db.Set("b", []byte("2")))
	must(t, db.Set("a", []byte("3")))
	must(t, db.Delete("a"))

	if _, err := db.Get("a"); err != jumpdb.ErrKeyNotFound {
		t.Errorf("Get(a) error = %v, want ErrKeyNotFound", err)
	}
	if ok, err := db.Contains("a"); err != nil || ok {
		t.Errorf("Contains(a) = %v, %v, want false, nil", ok, err)
	}

	got, err := db.Get("b")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "2" {
		t.Errorf("Get(b) = %q, want %q", got, "2")
	}
}

// TestOverwriteCrossesFlush is scenario S3: newest-wins must hold when the
// older write for a key has already been flushed to a segment and the
// newer one is still in the memtable.
func TestOverwriteCrossesFlush(t *testing.T) {
	db := openTestDB(t, jumpdb.WithMaxInmemorySize(1), jumpdb.WithPersistSegments(false))

	must(t, db.Set("x", []byte("old")))
	must(t, db.Set("y", []byte("y")))
	must(t, db.Set("x", []byte("new")))

	got, err := db.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("Get(x) = %q, want %q", got, "new")
	}
}

// TestCompactionEquivalence is scenario S4: a randomized workload against
// an oracle map must agree at every step and in a final sweep over every
// key, with a compaction threshold low enough that the background
// compactor is notified repeatedly during the workload.
func TestCompactionEquivalence(t *testing.T) {
	db := openTestDB(t,
		jumpdb.WithMaxInmemorySize(8),
		jumpdb.WithCompactionThreshold(2),
		jumpdb.WithPersistSegments(false))

	oracle := make(map[string]string)
	rng := rand.New(rand.NewSource(1))
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}

	const ops = 2000
	for i := 0; i < ops; i++ {
		key := keys[rng.Intn(len(keys))]
		if rng.Intn(4) == 0 {
			delete(oracle, key)
			must(t, db.Delete(key))
		} else {
			value := fmt.Sprintf("v%d", i)
			oracle[key] = value
			must(t, db.Set(key, []byte(value)))
		}

		want, live := oracle[key]
		got, err := db.Get(key)
		switch {
		case live && err != nil:
			t.Fatalf("op %d: Get(%s) = _, %v, want %q", i, key, err, want)
		case live && string(got) != want:
			t.Fatalf("op %d: Get(%s) = %q, want %q", i, key, got, want)
		case !live && err != jumpdb.ErrKeyNotFound:
			t.Fatalf("op %d: Get(%s) error = %v, want ErrKeyNotFound", i, key, err)
		}
	}

	for _, key := range keys {
		want, live := oracle[key]
		got, err := db.Get(key)
		if live {
			if err != nil || string(got) != want {
				t.Errorf("final Get(%s) = %q, %v, want %q, nil", key, got, err, want)
			}
		} else if err != jumpdb.ErrKeyNotFound {
			t.Errorf("final Get(%s) error = %v, want ErrKeyNotFound", key, err)
		}
	}
}

// TestRestart is scenario S5: with persistence on, closing and reopening
// must preserve every write, and a subsequent round of deletes must be
// visible across the next restart too.
func TestRestart(t *testing.T) {
	dir := t.TempDir()

	db, err := jumpdb.Open(dir, jumpdb.WithMaxInmemorySize(64))
	if err != nil {
		t.Fatal(err)
	}

	const n = 1000
	for i := 0; i < n; i++ {
		must(t, db.Set(fmt.Sprintf("key-%04d", i), []byte(fmt.Sprintf("v%d", i))))
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = jumpdb.Open(dir, jumpdb.WithMaxInmemorySize(64))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		got, err := db.Get(fmt.Sprintf("key-%04d", i))
		if err != nil {
			t.Fatalf("key-%04d: %v", i, err)
		}
		if want := fmt.Sprintf("v%d", i); string(got) != want {
			t.Fatalf("key-%04d = %q, want %q", i, got, want)
		}
	}

	for i := 0; i < n; i += 2 {
		must(t, db.Delete(fmt.Sprintf("key-%04d", i)))
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = jumpdb.Open(dir, jumpdb.WithMaxInmemorySize(64))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		_, err := db.Get(key)
		if i%2 == 0 {
			if err != jumpdb.ErrKeyNotFound {
				t.Errorf("%s error = %v, want ErrKeyNotFound", key, err)
			}
		} else if err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	db := openTestDB(t, jumpdb.WithPersistSegments(false))

	if err := db.Set("", []byte("v")); err != jumpdb.ErrEmptyKey {
		t.Errorf("Set(\"\") error = %v, want ErrEmptyKey", err)
	}
	if _, err := db.Get(""); err != jumpdb.ErrEmptyKey {
		t.Errorf("Get(\"\") error = %v, want ErrEmptyKey", err)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	db := openTestDB(t, jumpdb.WithPersistSegments(false))
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.Set("a", []byte("1")); err != jumpdb.ErrClosed {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
	if err := db.Close(); err != jumpdb.ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestContainsMatchesGet(t *testing.T) {
	db := openTestDB(t, jumpdb.WithPersistSegments(false))
	must(t, db.Set("a", []byte("1")))

	tests := map[string]bool{"a": true, "missing": false}
	for key, want := range tests {
		got, err := db.Contains(key)
		if err != nil {
			t.Fatalf("Contains(%s): %v", key, err)
		}
		if got != want {
			t.Errorf("Contains(%s) = %v, want %v", key, got, want)
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
