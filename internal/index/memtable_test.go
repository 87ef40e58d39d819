package index

import (
	"bufio"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/marselester/jumpdb/internal/record"
)

func TestMemtableSetOverwritesAndOrders(t *testing.T) {
	tests := map[string]struct {
		log  string
		want []string
	}{
		"databass.dev": {
			"k2:v1 k4:v2 k1:v3 k2:v4 k3:v5",
			[]string{"k1:v3", "k2:v4", "k3:v5", "k4:v2"},
		},
		"algs4.cs.princeton.edu": {
			"A:1 B:1 C:1 F:1 G:1 I:1 I:2 Z:1 B:2 D:1 H:1 P:1 Q:1 Q:2 A:2 B:3 E:1 F:2 J:1 N:1",
			[]string{"A:2", "B:3", "C:1", "D:1", "E:1", "F:2", "G:1", "H:1", "I:2", "J:1", "N:1"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := New()
			scanner := bufio.NewScanner(strings.NewReader(tc.log))
			scanner.Split(bufio.ScanWords)
			for scanner.Scan() {
				kv := strings.SplitN(scanner.Text(), ":", 2)
				m.Set(kv[0], []byte(kv[1]))
			}

			var got []string
			m.Ascend(func(key string, e record.Entry) bool {
				got = append(got, key+":"+string(e.Value))
				return true
			})

			if diff := cmp.Diff(tc.want, got[:len(tc.want)]); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemtableDeleteRecordsTombstone(t *testing.T) {
	m := New()
	m.Set("a", []byte("1"))
	m.Delete("a")

	e, ok := m.Get("a")
	if !ok {
		t.Fatal("Get(a) = not found, want a tombstone entry")
	}
	if !e.Tombstone {
		t.Errorf("Get(a).Tombstone = false, want true")
	}
}

func TestMemtableGetMissing(t *testing.T) {
	m := New()
	m.Set("a", []byte("1"))

	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) = found, want not found")
	}
}

func TestMemtableLen(t *testing.T) {
	m := New()
	m.Set("a", []byte("1"))
	m.Set("b", []byte("2"))
	m.Set("a", []byte("3"))
	m.Delete("c")

	if got, want := m.Len(), 3; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
}
