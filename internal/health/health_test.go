package health

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/journal"
	"github.com/xela07ax/agentvault/internal/recovery"
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

func TestCheck_ReportAndDashboard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Now().UTC())

	for _, id := range []string{"A", "B"} {
		_ = st.Put(ctx, store.Backlog, &store.Record{ID: id, Meta: store.Meta{Type: "task", Created: clock.Now()}})
	}
	_ = st.Put(ctx, store.Claimed("agent-1"), &store.Record{ID: "C", Meta: store.Meta{Type: "task", Created: clock.Now()}})

	j, err := journal.Open(filepath.Join(t.TempDir(), "errors.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	errs := recovery.NewErrorLog(j, zap.NewNop())
	_ = errs.Record(ctx, domain.ErrorRecord{Timestamp: clock.Now(), Category: domain.CategoryAuth, Component: "gmail", Message: "token expired"})

	pauses := recovery.NewPauses(nil, zap.NewNop())
	_ = pauses.Pause(ctx, "gmail", "token expired")

	m := NewMonitor("agent-1", st, pauses, errs, nil, nil, clock, zap.NewNop())
	rep, err := m.Check(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Collections[string(store.Backlog)] != 2 || rep.Collections["In_Progress/agent-1"] != 1 {
		t.Errorf("collections = %v", rep.Collections)
	}
	if rep.ErrorsLastHour != 1 || rep.ErrorsByCategory["auth"] != 1 {
		t.Errorf("errors = %d %v", rep.ErrorsLastHour, rep.ErrorsByCategory)
	}
	if len(rep.Paused) != 1 || !rep.Healthy {
		t.Errorf("paused = %v healthy = %v", rep.Paused, rep.Healthy)
	}

	rec, err := st.Read(ctx, DashboardID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Collection != store.Updates || rec.Meta.Status != "healthy" {
		t.Errorf("dashboard = %s/%s", rec.Collection, rec.Meta.Status)
	}
	if !strings.Contains(string(rec.Body), "gmail") {
		t.Errorf("dashboard body misses paused component:\n%s", rec.Body)
	}
	if m.Last() != rep {
		t.Error("last report not kept")
	}
}

func TestCheck_AlertAfterThreeFailures(t *testing.T) {
	ctx := context.Background()
	aud := &memAuditor{}
	hs := health.NewServer()
	m := NewMonitor("agent-1", store.NewMemoryStore(), nil, nil, aud, hs, nil, zap.NewNop())

	failing := true
	m.AddProbe("email_mcp", func(context.Context) error {
		if failing {
			return errors.New("connection refused")
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		rep, err := m.Check(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rep.Healthy {
			t.Fatal("report should be unhealthy")
		}
	}
	if n := aud.count("health.alert"); n != 1 {
		t.Fatalf("alerts = %d, want exactly one", n)
	}

	resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: "email_mcp"})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("grpc status = %v, %v", resp, err)
	}

	failing = false
	if _, err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	resp, _ = hs.Check(ctx, &healthpb.HealthCheckRequest{})
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %v", resp.Status)
	}

	// Новая серия провалов снова дает один алерт
	failing = true
	for i := 0; i < 3; i++ {
		_, _ = m.Check(ctx)
	}
	if n := aud.count("health.alert"); n != 2 {
		t.Fatalf("alerts = %d, want 2", n)
	}
}

func TestTokenInterceptor(t *testing.T) {
	icpt := UnaryTokenInterceptor("s3cret")
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	tests := []struct {
		name string
		ctx  context.Context
		want codes.Code
	}{
		{"no metadata", context.Background(), codes.Unauthenticated},
		{"no token", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "1")), codes.Unauthenticated},
		{"wrong token", metadata.NewIncomingContext(context.Background(), metadata.Pairs(TokenHeader, "nope")), codes.PermissionDenied},
		{"valid", metadata.NewIncomingContext(context.Background(), metadata.Pairs(TokenHeader, "s3cret")), codes.OK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := icpt(tt.ctx, nil, info, handler)
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
}
