package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/journal"
	"github.com/xela07ax/agentvault/internal/store"
	"github.com/xela07ax/agentvault/internal/store/fsstore"
)

type httpErr int

func (e httpErr) Error() string   { return fmt.Sprintf("http %d", int(e)) }
func (e httpErr) HTTPStatus() int { return int(e) }

func newErrorLog(t *testing.T) *ErrorLog {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "errors.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return NewErrorLog(j, zap.NewNop())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"explicit wins", AsLogic(context.DeadlineExceeded), Logic},
		{"permission", fmt.Errorf("open: %w", fs.ErrPermission), Auth},
		{"unauthorized", httpErr(401), Auth},
		{"forbidden", httpErr(403), Auth},
		{"throttled", httpErr(429), Transient},
		{"server error", httpErr(503), Transient},
		{"bad request", httpErr(422), Logic},
		{"malformed", fmt.Errorf("decode: %w", store.ErrMalformed), Data},
		{"timeout", context.DeadlineExceeded, Transient},
		{"panic", fmt.Errorf("%w: boom", ErrPanic), System},
		{"unknown", errors.New("something odd"), Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWithRecoveryBackoff(t *testing.T) {
	errLog := newErrorLog(t)
	var (
		calls  int
		delays []time.Duration
	)
	_, err := WithRecovery(context.Background(), errLog,
		func(ctx context.Context) (string, error) {
			calls++
			return "", AsTransient(errors.New("connection reset"))
		},
		nil,
		Options{
			Retries:   5,
			Backoff:   2,
			Unit:      time.Millisecond,
			Component: "gmail",
			OnRetry:   func(_ int, d time.Duration, _ error) { delays = append(delays, d) },
		},
	)

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond, 16 * time.Millisecond}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}

	recs, _ := errLog.Recent(context.Background(), 10)
	if len(recs) != 1 || !recs[0].RetriesExhausted || recs[0].Component != "gmail" || recs[0].Attempt != 5 {
		t.Fatalf("error records = %+v", recs)
	}
}

func TestWithRecoveryStopsOnNonTransient(t *testing.T) {
	calls := 0
	_, err := WithRecovery(context.Background(), nil,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, AsAuth(errors.New("token expired"))
		},
		nil,
		Options{Retries: 5, Unit: time.Millisecond},
	)
	if calls != 1 || Classify(err) != Auth {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestClassifyAsDefault(t *testing.T) {
	if got := ClassifyAs(errors.New("login rejected"), Auth); got != Auth {
		t.Fatalf("unknown error = %s, want Auth", got)
	}
	if got := ClassifyAs(httpErr(503), Auth); got != Transient {
		t.Fatalf("status still wins: %s", got)
	}
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if got := ClassifyAs(netErr, Data); got != Transient {
		t.Fatalf("net error = %s, want Transient", got)
	}
}

func TestWithRecoveryCategory(t *testing.T) {
	errLog := newErrorLog(t)
	calls := 0
	_, err := WithRecovery(context.Background(), errLog,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("login rejected")
		},
		nil,
		Options{Retries: 5, Unit: time.Millisecond, Component: "odoo", Category: Auth},
	)
	if calls != 1 || Classify(err) != Auth {
		t.Fatalf("auth operation: calls=%d err=%v", calls, err)
	}

	// Явная категория ошибки важнее категории операции
	calls = 0
	_, err = WithRecovery(context.Background(), errLog,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, AsTransient(errors.New("connection reset"))
		},
		nil,
		Options{Retries: 3, Unit: time.Millisecond, Component: "odoo", Category: Auth},
	)
	if calls != 3 || !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("transient in auth operation: calls=%d err=%v", calls, err)
	}
	recs, _ := errLog.Recent(context.Background(), 10)
	if len(recs) != 1 || recs[0].Category != Transient || !recs[0].RetriesExhausted {
		t.Fatalf("error records = %+v", recs)
	}
}

func TestWithRecoveryFallbackAndSuccess(t *testing.T) {
	calls := 0
	v, err := WithRecovery(context.Background(), nil,
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		},
		nil,
		Options{Retries: 5, Unit: time.Millisecond},
	)
	if err != nil || v != 42 || calls != 3 {
		t.Fatalf("v=%d calls=%d err=%v", v, calls, err)
	}

	v, err = WithRecovery(context.Background(), nil,
		func(ctx context.Context) (int, error) { return 0, errors.New("down") },
		func(ctx context.Context, lastErr error) (int, error) { return -1, nil },
		Options{Retries: 2, Unit: time.Millisecond},
	)
	if err != nil || v != -1 {
		t.Fatalf("fallback: v=%d err=%v", v, err)
	}
}

func TestQuarantineNameCollision(t *testing.T) {
	ctx := context.Background()
	// В файловом хранилище одно имя может лежать в разных коллекциях
	st, err := fsstore.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	q := NewQuarantine(st, newErrorLog(t), zap.NewNop())

	put := func(id, body string) {
		rec := &store.Record{ID: id, Meta: store.Meta{Type: "email", Created: time.Now()}, Body: []byte(body)}
		if err := st.Put(ctx, store.Backlog, rec); err != nil {
			t.Fatal(err)
		}
	}

	put("INVOICE", "first")
	first, err := q.Isolate(ctx, "INVOICE", store.Backlog, "gmail", "missing amount")
	if err != nil || first != "INVOICE" {
		t.Fatalf("first isolate: %s %v", first, err)
	}

	put("INVOICE", "second")
	second, err := q.Isolate(ctx, "INVOICE", store.Backlog, "gmail", "missing amount")
	if err != nil {
		t.Fatalf("second isolate: %v", err)
	}
	if second == first {
		t.Fatal("second item must get a distinct id")
	}

	ids, _ := st.List(ctx, store.Quarantine)
	if len(ids) != 2 {
		t.Fatalf("quarantine = %v, want 2 entries", ids)
	}
	a, _ := st.Read(ctx, first)
	b, _ := st.Read(ctx, second)
	if string(a.Body) != "first" || string(b.Body) != "second" {
		t.Fatalf("bodies = %q, %q", a.Body, b.Body)
	}
	for _, id := range []string{first, second} {
		if _, err := os.Stat(filepath.Join(st.Root(), string(store.Quarantine), id+".reason")); err != nil {
			t.Errorf("sidecar for %s: %v", id, err)
		}
	}
}

func TestQuarantineNoteWithoutSidecar(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_ = st.Put(ctx, store.Backlog, &store.Record{ID: "BAD", Meta: store.Meta{Type: "email"}})

	q := NewQuarantine(st, nil, zap.NewNop())
	id, err := q.Isolate(ctx, "BAD", store.Backlog, "watcher", "unreadable payload")
	if err != nil || id != "BAD" {
		t.Fatalf("Isolate: %s %v", id, err)
	}
	note, err := st.Read(ctx, "BAD.reason")
	if err != nil || note.Collection != QuarantineReasons || note.Meta.Reason != "unreadable payload" {
		t.Fatalf("note = %+v %v", note, err)
	}
	if ids, _ := st.List(ctx, store.Quarantine); len(ids) != 1 {
		t.Fatalf("note leaked into quarantine listing: %v", ids)
	}
}

func TestReviewQueue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_ = st.Put(ctx, store.Claimed("local"), &store.Record{ID: "T1", Meta: store.Meta{Type: "email"}, Body: []byte("draft")})

	q := NewReviewQueue(st, nil, zap.NewNop())
	if err := q.Enqueue(ctx, "T1", store.Claimed("local"), "gmail", "reply contains placeholder", "Dear [NAME]"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec, err := st.Read(ctx, "T1")
	if err != nil || rec.Collection != store.Review || rec.Meta.Reason != "reply contains placeholder" {
		t.Fatalf("record = %+v %v", rec, err)
	}
	if err := q.Enqueue(ctx, "T1", store.Claimed("local"), "gmail", "again", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second enqueue: %v", err)
	}
}

func TestPausesLocal(t *testing.T) {
	ctx := context.Background()
	p := NewPauses(nil, zap.NewNop())
	if err := p.Pause(ctx, "gmail", "token revoked"); err != nil {
		t.Fatal(err)
	}
	if !p.IsPaused("gmail") || p.IsPaused("whatsapp") {
		t.Fatal("wrong pause state")
	}
	if l := p.List(); len(l) != 1 || l[0].Reason != "token revoked" {
		t.Fatalf("list = %+v", l)
	}
	_ = p.Resume(ctx, "gmail")
	if p.IsPaused("gmail") {
		t.Fatal("resume did not clear pause")
	}
}

func TestSupervisorRestartsAfterPanic(t *testing.T) {
	clock := clockwork.NewFakeClock()
	errLog := newErrorLog(t)
	sup := NewSupervisor(clock, errLog, 10*time.Second, zap.NewNop())

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Supervise(ctx, "coordinator", func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("nil map write")
			}
			return nil
		})
	}()

	// Ждем, пока супервизор уснет на задержке рестарта
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
	recs, _ := errLog.Recent(context.Background(), 10)
	if len(recs) != 1 || recs[0].Category != domain.CategorySystem || recs[0].Stack == "" {
		t.Fatalf("error records = %+v", recs)
	}
}
