package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

type memAuditor struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (m *memAuditor) Log(r audit.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
}

func (m *memAuditor) count(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.Action == action {
			n++
		}
	}
	return n
}

func amount(v float64) *float64 { return &v }

func newGate(t *testing.T, exec Executor) (*Gate, store.Store, *clockwork.FakeClock, *memAuditor) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	execs := NewExecutorRegistry()
	if exec != nil {
		execs.Register("payment", exec)
		execs.Register("send_email", exec)
	}
	aud := &memAuditor{}
	policy := NewThresholdPolicy(DefaultIrreversible, DefaultAmountThreshold, zap.NewNop())
	g := NewGate(st, policy, execs, aud, clock, Config{AgentID: "agent-1", TTL: time.Hour}, zap.NewNop())
	return g, st, clock, aud
}

func TestThresholdPolicy(t *testing.T) {
	p := NewThresholdPolicy([]string{"send_email"}, 500, zap.NewNop())

	tests := []struct {
		name   string
		action domain.Action
		want   bool
	}{
		{"irreversible type", domain.Action{Type: "send_email"}, true},
		{"amount above threshold", domain.Action{Type: "invoice", Amount: amount(1000)}, true},
		{"amount below threshold", domain.Action{Type: "invoice", Amount: amount(100)}, false},
		{"amount equal threshold", domain.Action{Type: "invoice", Amount: amount(500)}, false},
		{"amount in params", domain.Action{Type: "invoice", Params: map[string]any{"amount": 750.0}}, true},
		{"no amount", domain.Action{Type: "draft_reply"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.RequiresApproval(tt.action)
			if got != tt.want {
				t.Fatalf("RequiresApproval = %v, want %v", got, tt.want)
			}
			if got && reason == "" {
				t.Error("reason must be set when approval is required")
			}
		})
	}
}

func TestGuard_LargePaymentProposed(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	g, st, _, _ := newGate(t, exec)
	ctx := context.Background()

	res, err := g.Guard(ctx, "TASK_1", domain.Action{Type: "invoice", Amount: amount(1000)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Proposed || res.Request == nil {
		t.Fatalf("expected proposal, got %+v", res)
	}
	if !strings.Contains(res.Request.Reason, "exceeds") {
		t.Errorf("reason = %q", res.Request.Reason)
	}
	if calls.Load() != 0 {
		t.Fatal("executor must not run before approval")
	}
	ids, _ := st.List(ctx, store.PendingApproval)
	if len(ids) != 1 || ids[0] != res.Request.ID {
		t.Fatalf("pending = %v", ids)
	}

	// Мелкая сумма исполняется сразу
	g.execs.Register("invoice", exec)
	res, err = g.Guard(ctx, "TASK_2", domain.Action{Type: "invoice", Amount: amount(100)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Proposed || res.Output != "ok" || calls.Load() != 1 {
		t.Fatalf("expected direct execution, got %+v calls=%d", res, calls.Load())
	}
}

func TestPoll_ExecutesOnce(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, _ string, params map[string]any) (string, error) {
		calls.Add(1)
		return "sent to " + params["to"].(string), nil
	})
	g, st, _, aud := newGate(t, exec)
	ctx := context.Background()

	req, err := g.Propose(ctx, domain.Action{Type: "send_email", Params: map[string]any{"to": "ceo@example.com"}}, "irreversible")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Decide(ctx, req.ID, true, "alice", "go"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Poll(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("executor ran %d times, want 1", n)
	}
	rec, err := st.Read(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Collection != store.Done || rec.Meta.Status != "executed" {
		t.Fatalf("got %s/%s", rec.Collection, rec.Meta.Status)
	}
	if !strings.Contains(rec.Meta.Extra[keyOutcome], "ceo@example.com") {
		t.Errorf("outcome = %q", rec.Meta.Extra[keyOutcome])
	}

	// Повторный опрос ничего не делает
	n, err := g.Poll(ctx)
	if err != nil || n != 0 {
		t.Fatalf("re-poll = %d, %v", n, err)
	}
	if aud.count("approval.execute") != 1 {
		t.Errorf("execute audited %d times", aud.count("approval.execute"))
	}
}

func TestPoll_ExecutorFailureArchived(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
		calls.Add(1)
		return "", errors.New("smtp down")
	})
	g, st, _, _ := newGate(t, exec)
	ctx := context.Background()

	req, _ := g.Propose(ctx, domain.Action{Type: "payment", Amount: amount(900)}, "big")
	if err := g.Decide(ctx, req.ID, true, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("failed action re-executed: %d calls", calls.Load())
	}
	rec, _ := st.Read(ctx, req.ID)
	if rec.Collection != store.Done || rec.Meta.Status != "failed" {
		t.Fatalf("got %s/%s", rec.Collection, rec.Meta.Status)
	}
}

func TestPoll_MissingExecutor(t *testing.T) {
	g, st, _, _ := newGate(t, nil)
	ctx := context.Background()

	req, _ := g.Propose(ctx, domain.Action{Type: "post_social"}, "irreversible")
	_ = g.Decide(ctx, req.ID, true, "alice", "")
	if _, err := g.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	rec, _ := st.Read(ctx, req.ID)
	if rec.Collection != store.Done || rec.Meta.Status != "failed" {
		t.Fatalf("got %s/%s", rec.Collection, rec.Meta.Status)
	}
	if !strings.Contains(rec.Meta.Extra[keyOutcome], "no executor") {
		t.Errorf("outcome = %q", rec.Meta.Extra[keyOutcome])
	}
}

func TestDecide_SingleOutcome(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	g, st, _, _ := newGate(t, exec)
	ctx := context.Background()

	req, _ := g.Propose(ctx, domain.Action{Type: "payment", Amount: amount(2000)}, "big")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			err := g.Decide(ctx, req.ID, approve, "reviewer", "")
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrAlreadyDecided):
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d decisions won, want 1", wins.Load())
	}

	if _, err := g.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	rec, _ := st.Read(ctx, req.ID)
	if rec.Collection != store.Done {
		t.Fatalf("collection = %s", rec.Collection)
	}
	switch rec.Meta.Status {
	case "executed":
		if calls.Load() != 1 {
			t.Fatal("approved but not executed once")
		}
	case "rejected":
		if calls.Load() != 0 {
			t.Fatal("rejected action was executed")
		}
	default:
		t.Fatalf("status = %s", rec.Meta.Status)
	}
}

func TestExpireStale(t *testing.T) {
	g, st, clock, aud := newGate(t, nil)
	ctx := context.Background()

	old, _ := g.Propose(ctx, domain.Action{Type: "send_email"}, "irreversible")
	clock.Advance(50 * time.Minute)
	fresh, _ := g.Propose(ctx, domain.Action{Type: "send_email"}, "irreversible")
	clock.Advance(11 * time.Minute)

	n, err := g.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	rec, _ := st.Read(ctx, old.ID)
	if rec.Collection != store.Done || rec.Meta.Status != string(domain.StatusExpired) {
		t.Fatalf("got %s/%s", rec.Collection, rec.Meta.Status)
	}
	if err := g.Decide(ctx, old.ID, true, "alice", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("decide on expired = %v", err)
	}
	if err := g.Decide(ctx, fresh.ID, false, "alice", "no"); err != nil {
		t.Fatal(err)
	}
	if aud.count("approval.expire") != 1 {
		t.Errorf("expire audited %d times", aud.count("approval.expire"))
	}

	pending, err := g.Pending(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending = %v, %v", pending, err)
	}
}

func TestDecide_LateDecisionExpires(t *testing.T) {
	g, st, clock, _ := newGate(t, nil)
	ctx := context.Background()

	req, _ := g.Propose(ctx, domain.Action{Type: "send_email"}, "irreversible")
	clock.Advance(2 * time.Hour)

	if err := g.Decide(ctx, req.ID, true, "alice", ""); !errors.Is(err, ErrExpired) {
		t.Fatalf("decide = %v, want ErrExpired", err)
	}
	rec, _ := st.Read(ctx, req.ID)
	if rec.Collection != store.Done {
		t.Fatalf("collection = %s", rec.Collection)
	}
	if _, err := g.Poll(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestPoll_ExpiredApprovalNotExecuted(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
		calls.Add(1)
		return "ok", nil
	})
	g, st, clock, aud := newGate(t, exec)
	ctx := context.Background()

	req, _ := g.Propose(ctx, domain.Action{Type: "send_email"}, "irreversible")
	clock.Advance(50 * time.Minute)
	if err := g.Decide(ctx, req.ID, true, "alice", "ok"); err != nil {
		t.Fatal(err)
	}
	// Исполнитель добрался до запроса уже после дедлайна
	clock.Advance(20 * time.Minute)

	n, err := g.Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Poll = %d, %v", n, err)
	}
	if calls.Load() != 0 {
		t.Fatal("expired approval must not execute")
	}
	rec, _ := st.Read(ctx, req.ID)
	if rec.Collection != store.Done || rec.Meta.Status != string(domain.StatusExpired) {
		t.Fatalf("got %s/%s", rec.Collection, rec.Meta.Status)
	}
	if aud.count("approval.expire") != 1 || aud.count("approval.execute") != 0 {
		t.Fatalf("audit expire=%d execute=%d", aud.count("approval.expire"), aud.count("approval.execute"))
	}
}

func TestDecide_NotFound(t *testing.T) {
	g, _, _, _ := newGate(t, nil)
	if err := g.Decide(context.Background(), "APPROVAL_missing", true, "alice", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	g, st, _, _ := newGate(t, nil)
	ctx := context.Background()

	req, err := g.Propose(ctx, domain.Action{Type: "payment", Amount: amount(600), Params: map[string]any{"iban": "DE00"}}, "big")
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := st.Read(ctx, req.ID)
	got, err := fromRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if got.Action.Type != "payment" || *got.Action.Amount != 600 || got.Action.Params["iban"] != "DE00" {
		t.Fatalf("round trip lost data: %+v", got.Action)
	}
	if got.Status != domain.StatusPending || got.AgentID != "agent-1" {
		t.Fatalf("got %+v", got)
	}
}
