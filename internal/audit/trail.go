package audit

import (
	"context"
	"sort"
	"time"
)

const (
	topActionsLimit   = 10
	recentErrorsLimit = 5
	weekPeriod        = 7 * 24 * time.Hour
)

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type Summary struct {
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	TopActions   []ActionCount  `json:"top_actions"`
	ErrorCount   int            `json:"error_count"`
	RecentErrors []Record       `json:"recent_errors"`
}

// Summarize сводит записи за период [start, end]. Записи ожидаются в порядке записи.
func Summarize(records []Record, start, end time.Time) Summary {
	s := Summary{
		PeriodStart:  start,
		PeriodEnd:    end,
		ByStatus:     make(map[Status]int),
		TopActions:   []ActionCount{},
		RecentErrors: []Record{},
	}

	actions := make(map[string]int)
	var failures []Record
	for _, r := range records {
		s.Total++
		s.ByStatus[r.Status]++
		actions[r.Action]++
		if r.Status == StatusFailure {
			failures = append(failures, r)
		}
	}

	for a, n := range actions {
		s.TopActions = append(s.TopActions, ActionCount{Action: a, Count: n})
	}
	sort.Slice(s.TopActions, func(i, j int) bool {
		if s.TopActions[i].Count != s.TopActions[j].Count {
			return s.TopActions[i].Count > s.TopActions[j].Count
		}
		return s.TopActions[i].Action < s.TopActions[j].Action
	})
	if len(s.TopActions) > topActionsLimit {
		s.TopActions = s.TopActions[:topActionsLimit]
	}

	s.ErrorCount = len(failures)
	if len(failures) > recentErrorsLimit {
		failures = failures[len(failures)-recentErrorsLimit:]
	}
	s.RecentErrors = append(s.RecentErrors, failures...)
	return s
}

// Trail — чтение аудита.
type Trail struct {
	storage Storage
	now     func() time.Time
}

func NewTrail(storage Storage) *Trail {
	return &Trail{storage: storage, now: time.Now}
}

func (t *Trail) Recent(ctx context.Context, n int) ([]Record, error) {
	return t.storage.Recent(ctx, n)
}

func (t *Trail) Since(ctx context.Context, cutoff time.Time) ([]Record, error) {
	return t.storage.Since(ctx, cutoff)
}

// WeeklySummary — сводка за последние 7 дней.
func (t *Trail) WeeklySummary(ctx context.Context) (Summary, error) {
	end := t.now().UTC()
	start := end.Add(-weekPeriod)
	recs, err := t.storage.Since(ctx, start)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(recs, start, end), nil
}
