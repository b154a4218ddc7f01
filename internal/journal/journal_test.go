package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type entry struct {
	Timestamp time.Time `json:"timestamp"`
	N         int       `json:"n"`
	Pad       string    `json:"pad,omitempty"`
}

func openTemp(t *testing.T) *File {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func decodeN(t *testing.T, lines [][]byte) []int {
	t.Helper()
	out := make([]int, len(lines))
	for i, l := range lines {
		var e entry
		if err := json.Unmarshal(l, &e); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		out[i] = e.N
	}
	return out
}

func TestTailAcrossChunks(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	// Записи крупнее блока чтения, чтобы строки пересекали границы блоков
	pad := strings.Repeat("x", 3000)
	for i := 0; i < 100; i++ {
		if err := j.Append(entry{Timestamp: base.Add(time.Duration(i) * time.Minute), N: i, Pad: pad}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	lines, err := j.Tail(5)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if got := fmt.Sprint(decodeN(t, lines)); got != "[95 96 97 98 99]" {
		t.Fatalf("tail = %s", got)
	}

	all, err := j.Tail(1000)
	if err != nil || len(all) != 100 {
		t.Fatalf("Tail(all) = %d lines, %v", len(all), err)
	}
	if n := decodeN(t, all); n[0] != 0 || n[99] != 99 {
		t.Fatalf("order broken: first=%d last=%d", n[0], n[99])
	}
}

func TestSince(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		_ = j.Append(entry{Timestamp: base.Add(time.Duration(i) * time.Hour), N: i})
	}
	lines, err := j.Since(base.Add(7 * time.Hour))
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if got := fmt.Sprint(decodeN(t, lines)); got != "[7 8 9]" {
		t.Fatalf("since = %s", got)
	}
}

func TestEmptyJournal(t *testing.T) {
	j := openTemp(t)
	lines, err := j.Tail(10)
	if err != nil || len(lines) != 0 {
		t.Fatalf("Tail on empty: %v %v", lines, err)
	}
}

func TestConcurrentBatchesStayWhole(t *testing.T) {
	j := openTemp(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]any, 10)
			for i := range batch {
				batch[i] = entry{N: w*10 + i}
			}
			if err := j.Append(batch...); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(w)
	}
	wg.Wait()

	lines, err := j.Tail(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 80 {
		t.Fatalf("lines = %d, want 80", len(lines))
	}
	// Каждая пачка лежит непрерывно
	n := decodeN(t, lines)
	for i := 0; i < 80; i += 10 {
		w := n[i] / 10
		for k := 0; k < 10; k++ {
			if n[i+k] != w*10+k {
				t.Fatalf("batch %d interleaved: %v", w, n[i:i+10])
			}
		}
	}
}
