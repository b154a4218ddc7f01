// Package health — периодическая проверка агента: очереди по коллекциям, паузы,
// свежие ошибки и внешние зависимости. Итог пишется записью dashboard в Updates
// и отражается в статусе gRPC health.
package health

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/agentvault/internal/audit"
	"github.com/xela07ax/agentvault/internal/recovery"
	"github.com/xela07ax/agentvault/internal/scheduler"
	"github.com/xela07ax/agentvault/internal/store"
)

// DashboardID — запись с единственным писателем.
const DashboardID = "dashboard"

// AlertThreshold — после стольких провалов подряд пишется аудит-алерт.
const AlertThreshold = 3

var watched = []store.Collection{
	store.Backlog, store.PendingApproval, store.Approved, store.Rejected,
	store.Executing, store.Done, store.Failed, store.Quarantine, store.Review,
}

type ProbeResult struct {
	Status    string `json:"status"` // ok, offline
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type Report struct {
	Agent            string                 `json:"agent"`
	CheckedAt        time.Time              `json:"checked_at"`
	Collections      map[string]int         `json:"collections"`
	Paused           []recovery.Paused      `json:"paused,omitempty"`
	ErrorsLastHour   int                    `json:"errors_last_hour"`
	ErrorsByCategory map[string]int         `json:"errors_by_category,omitempty"`
	Probes           map[string]ProbeResult `json:"probes,omitempty"`
	Healthy          bool                   `json:"healthy"`
}

type Monitor struct {
	agentID string
	st      store.Store
	pauses  *recovery.Pauses
	errs    *recovery.ErrorLog
	auditor audit.Auditor
	hs      *health.Server
	clock   clockwork.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	probes   map[string]Probe
	failures map[string]int
	last     *Report
}

// NewMonitor. hs может быть nil, если gRPC health не поднимается.
func NewMonitor(agentID string, st store.Store, pauses *recovery.Pauses, errs *recovery.ErrorLog, auditor audit.Auditor, hs *health.Server, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		agentID:  agentID,
		st:       st,
		pauses:   pauses,
		errs:     errs,
		auditor:  auditor,
		hs:       hs,
		clock:    clock,
		logger:   logger.Named("health"),
		probes:   make(map[string]Probe),
		failures: make(map[string]int),
	}
}

func (m *Monitor) AddProbe(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	return scheduler.Every(ctx, m.clock, interval, func(ctx context.Context) error {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("health check failed", zap.Error(err))
		}
		return nil
	})
}

// Last — последний отчет (nil до первой проверки).
func (m *Monitor) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check выполняет одну проверку и публикует результат.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	now := m.clock.Now().UTC()
	rep := &Report{
		Agent:            m.agentID,
		CheckedAt:        now,
		Collections:      make(map[string]int),
		ErrorsByCategory: make(map[string]int),
		Probes:           make(map[string]ProbeResult),
		Healthy:          true,
	}

	// 1. Очереди
	for _, c := range watched {
		ids, err := m.st.List(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		rep.Collections[string(c)] = len(ids)
	}
	claimed, err := m.st.Collections(ctx, store.InProgress)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	for _, c := range claimed {
		ids, err := m.st.List(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		rep.Collections[string(c)] = len(ids)
	}

	// 2. Паузы и свежие ошибки
	if m.pauses != nil {
		rep.Paused = m.pauses.List()
	}
	if m.errs != nil {
		recent, err := m.errs.Since(ctx, now.Add(-time.Hour))
		if err != nil {
			m.logger.Warn("read error log", zap.Error(err))
		}
		rep.ErrorsLastHour = len(recent)
		for _, e := range recent {
			rep.ErrorsByCategory[string(e.Category)]++
		}
	}

	// 3. Зависимости
	m.mu.Lock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.Unlock()

	for name, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := m.clock.Now()
		perr := p(pctx)
		cancel()

		res := ProbeResult{Status: "ok", LatencyMs: m.clock.Since(start).Milliseconds()}
		if perr != nil {
			res.Status = "offline"
			res.Detail = perr.Error()
			rep.Healthy = false
		}
		rep.Probes[name] = res
		m.track(name, perr)
		m.setServing(name, perr == nil)
	}
	m.setServing("", rep.Healthy)

	// 4. Dashboard
	if err := m.writeDashboard(ctx, rep); err != nil {
		m.logger.Warn("write dashboard", zap.Error(err))
	}

	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()

	if rep.Healthy {
		m.logger.Debug("all components healthy")
	} else {
		m.logger.Warn("unhealthy components", zap.Strings("components", unhealthy(rep)))
	}
	return rep, nil
}

// track считает провалы подряд; на пороге пишет алерт ровно один раз.
func (m *Monitor) track(name string, err error) {
	m.mu.Lock()
	if err == nil {
		m.failures[name] = 0
		m.mu.Unlock()
		return
	}
	m.failures[name]++
	n := m.failures[name]
	m.mu.Unlock()

	if n == AlertThreshold && m.auditor != nil {
		m.auditor.Log(audit.New(m.agentID, "health.alert", audit.StatusFailure).
			WithDetail("component", name).
			WithDetail("consecutive_failures", n).
			WithError(err))
	}
}

func (m *Monitor) setServing(service string, ok bool) {
	if m.hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.hs.SetServingStatus(service, st)
}

func (m *Monitor) writeDashboard(ctx context.Context, rep *Report) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "# Health: %s\n\nLast checked: %s\n\n", rep.Agent, rep.CheckedAt.Format(time.RFC3339))

	body.WriteString("## Queues\n\n| Collection | Items |\n|---|---|\n")
	for _, name := range sortedKeys(rep.Collections) {
		fmt.Fprintf(&body, "| %s | %d |\n", name, rep.Collections[name])
	}

	if len(rep.Probes) > 0 {
		body.WriteString("\n## Dependencies\n\n| Component | Status | Latency / Detail |\n|---|---|---|\n")
		for _, name := range sortedKeys(rep.Probes) {
			p := rep.Probes[name]
			detail := fmt.Sprintf("%dms", p.LatencyMs)
			if p.Detail != "" {
				detail = p.Detail
			}
			fmt.Fprintf(&body, "| %s | %s | %s |\n", name, p.Status, detail)
		}
	}

	if len(rep.Paused) > 0 {
		body.WriteString("\n## Paused\n\n")
		for _, p := range rep.Paused {
			fmt.Fprintf(&body, "- %s since %s: %s\n", p.Component, p.Since.Format(time.RFC3339), p.Reason)
		}
	}
	fmt.Fprintf(&body, "\n## Errors (last hour): %d\n", rep.ErrorsLastHour)
	for _, cat := range sortedKeys(rep.ErrorsByCategory) {
		fmt.Fprintf(&body, "- %s: %d\n", cat, rep.ErrorsByCategory[cat])
	}

	status := "healthy"
	if !rep.Healthy {
		status = "degraded"
	}
	rec := &store.Record{
		ID: DashboardID,
		Meta: store.Meta{
			Type:    "dashboard",
			Status:  status,
			Created: rep.CheckedAt,
			Owner:   rep.Agent,
		},
		Body: body.Bytes(),
	}
	return m.st.Put(ctx, store.Updates, rec)
}

func unhealthy(rep *Report) []string {
	var out []string
	for name, p := range rep.Probes {
		if p.Status != "ok" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
