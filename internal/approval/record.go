package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/store"
)

const recordType = "approval"

// Ключи Meta.Extra
const (
	keyParams  = "params"
	keyTaskID  = "task_id"
	keyAgent   = "agent"
	keyOutcome = "outcome"
)

func toRecord(req *domain.ApprovalRequest) (*store.Record, error) {
	params, err := json.Marshal(req.Action.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	expires := req.ExpiresAt
	rec := &store.Record{
		ID: req.ID,
		Meta: store.Meta{
			Type:    recordType,
			Status:  string(req.Status),
			Created: req.CreatedAt,
			Expires: &expires,
			Amount:  req.Action.Amount,
			Reason:  req.Reason,
			Action:  req.Action.Type,
			Extra: map[string]string{
				keyParams: string(params),
				keyAgent:  req.AgentID,
			},
		},
	}
	if req.TaskID != "" {
		rec.Meta.Extra[keyTaskID] = req.TaskID
	}

	// Тело — для оператора
	var body bytes.Buffer
	fmt.Fprintf(&body, "# Approval required: %s\n\n", req.Action.Type)
	fmt.Fprintf(&body, "- reason: %s\n- requested by: %s\n- expires: %s\n", req.Reason, req.AgentID, expires.Format(time.RFC3339))
	if req.TaskID != "" {
		fmt.Fprintf(&body, "- task: %s\n", req.TaskID)
	}
	pretty, _ := json.MarshalIndent(req.Action.Params, "", "  ")
	fmt.Fprintf(&body, "\n```json\n%s\n```\n\nMove this record to Approved to execute or to Rejected to discard.\n", pretty)
	rec.Body = body.Bytes()
	return rec, nil
}

func fromRecord(rec *store.Record) (*domain.ApprovalRequest, error) {
	if rec.Meta.Type != recordType {
		return nil, fmt.Errorf("%w: %s is %q, not an approval", store.ErrMalformed, rec.ID, rec.Meta.Type)
	}
	req := &domain.ApprovalRequest{
		ID:        rec.ID,
		TaskID:    rec.Meta.Extra[keyTaskID],
		AgentID:   rec.Meta.Extra[keyAgent],
		Status:    domain.ApprovalStatus(rec.Meta.Status),
		Reason:    rec.Meta.Reason,
		Outcome:   rec.Meta.Extra[keyOutcome],
		CreatedAt: rec.Meta.Created,
		Action: domain.Action{
			Type:   rec.Meta.Action,
			Amount: rec.Meta.Amount,
		},
	}
	if rec.Meta.Expires != nil {
		req.ExpiresAt = *rec.Meta.Expires
	}
	if raw := rec.Meta.Extra[keyParams]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &req.Action.Params); err != nil {
			return nil, fmt.Errorf("%w: %s: params: %v", store.ErrMalformed, rec.ID, err)
		}
	}
	// Статус производный от коллекции
	switch rec.Collection {
	case store.PendingApproval:
		req.Status = domain.StatusPending
	case store.Approved, store.Executing:
		req.Status = domain.StatusApproved
	case store.Rejected:
		req.Status = domain.StatusRejected
	case store.Done:
		// executed и failed прошли одобрение
		switch rec.Meta.Status {
		case string(domain.StatusRejected), string(domain.StatusExpired):
			req.Status = domain.ApprovalStatus(rec.Meta.Status)
		default:
			req.Status = domain.StatusApproved
		}
	}
	return req, nil
}

// archive дописывает исход в тело и метаданные.
func archive(rec *store.Record, status, outcome string, at time.Time) {
	rec.Meta.Status = status
	if rec.Meta.Extra == nil {
		rec.Meta.Extra = map[string]string{}
	}
	rec.Meta.Extra[keyOutcome] = outcome
	rec.Body = append(rec.Body, fmt.Sprintf("\n## Outcome\n\n- status: %s\n- at: %s\n- result: %s\n", status, at.Format(time.RFC3339), outcome)...)
}
