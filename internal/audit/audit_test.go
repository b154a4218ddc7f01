package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/journal"
)

func newFileStorage(t *testing.T) *FileStorage {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return NewFileStorage(j, zap.NewNop())
}

func TestSummarizeEightyTwenty(t *testing.T) {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var recs []Record
	var failIDs []string
	for i := 0; i < 100; i++ {
		r := Record{
			ID:        fmt.Sprintf("r%03d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     "local",
			Action:    "task.complete",
			Status:    StatusSuccess,
		}
		if i%5 == 4 {
			r.Status = StatusFailure
			r.Action = "task.fail"
			failIDs = append(failIDs, r.ID)
		}
		recs = append(recs, r)
	}

	s := Summarize(recs, base, base.Add(100*time.Minute))
	if s.Total != 100 {
		t.Errorf("total = %d", s.Total)
	}
	if s.ByStatus[StatusSuccess] != 80 || s.ByStatus[StatusFailure] != 20 || len(s.ByStatus) != 2 {
		t.Errorf("by_status = %v", s.ByStatus)
	}
	if s.ErrorCount != 20 {
		t.Errorf("error_count = %d", s.ErrorCount)
	}
	if len(s.RecentErrors) != 5 {
		t.Fatalf("recent_errors = %d", len(s.RecentErrors))
	}
	want := failIDs[15:]
	for i, r := range s.RecentErrors {
		if r.ID != want[i] {
			t.Errorf("recent_errors[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
	if len(s.TopActions) != 2 || s.TopActions[0].Action != "task.complete" || s.TopActions[0].Count != 80 {
		t.Errorf("top_actions = %v", s.TopActions)
	}
}

func TestSummarizeTopActionsLimit(t *testing.T) {
	var recs []Record
	for i := 0; i < 15; i++ {
		for k := 0; k <= i; k++ {
			recs = append(recs, Record{Action: fmt.Sprintf("a%02d", i), Status: StatusSuccess})
		}
	}
	s := Summarize(recs, time.Time{}, time.Time{})
	if len(s.TopActions) != 10 {
		t.Fatalf("top actions = %d", len(s.TopActions))
	}
	if s.TopActions[0].Action != "a14" || s.TopActions[9].Action != "a05" {
		t.Fatalf("order = %v", s.TopActions)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, time.Time{}, time.Time{})
	if s.Total != 0 || s.ErrorCount != 0 || s.RecentErrors == nil || s.TopActions == nil {
		t.Fatalf("empty summary: %+v", s)
	}
}

func TestAgentFSDrainsOnStop(t *testing.T) {
	st := newFileStorage(t)
	fs := NewAgentFS(st, Options{BatchSize: 7, FlushInterval: time.Hour}, zap.NewNop())
	fs.Start()
	for i := 0; i < 25; i++ {
		fs.Log(New("local", fmt.Sprintf("step.%d", i), StatusSuccess))
	}
	fs.Stop()
	// Повторный Stop и Log после остановки не паникуют
	fs.Stop()
	fs.Log(New("local", "late", StatusSuccess))

	recs, err := st.Recent(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 25 {
		t.Fatalf("written = %d, want 25", len(recs))
	}
	for i, r := range recs {
		if r.Action != fmt.Sprintf("step.%d", i) {
			t.Fatalf("order broken at %d: %s", i, r.Action)
		}
	}
}

func TestWeeklySummary(t *testing.T) {
	st := newFileStorage(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	old := Record{ID: "old", Timestamp: now.Add(-8 * 24 * time.Hour), Action: "task.complete", Status: StatusSuccess}
	fresh := Record{ID: "new", Timestamp: now.Add(-time.Hour), Action: "task.fail", Status: StatusFailure}
	if err := st.WriteBatch(context.Background(), []Record{old, fresh}); err != nil {
		t.Fatal(err)
	}

	trail := NewTrail(st)
	trail.now = func() time.Time { return now }
	s, err := trail.WeeklySummary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 1 || s.ErrorCount != 1 || s.RecentErrors[0].ID != "new" {
		t.Fatalf("summary = %+v", s)
	}
	if !s.PeriodEnd.Equal(now) || !s.PeriodStart.Equal(now.Add(-7*24*time.Hour)) {
		t.Fatalf("period = %v..%v", s.PeriodStart, s.PeriodEnd)
	}
}
