package connectors

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/journal"
	"github.com/xela07ax/agentvault/internal/recovery"
)

// Ledger — исполнитель платежей: проводка пишется в журнал, банк подхватывает его отдельно.
type Ledger struct {
	j      *journal.File
	clock  clockwork.Clock
	logger *zap.Logger
}

type ledgerEntry struct {
	Timestamp string  `json:"timestamp"`
	ID        string  `json:"id"`
	Action    string  `json:"action"`
	Amount    float64 `json:"amount"`
	Payee     string  `json:"payee,omitempty"`
	Reference string  `json:"reference,omitempty"`
}

func NewLedger(j *journal.File, clock clockwork.Clock, logger *zap.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{j: j, clock: clock, logger: logger.Named("ledger")}
}

func (l *Ledger) Execute(_ context.Context, actionType string, params map[string]any) (string, error) {
	amount, ok := params["amount"].(float64)
	if !ok || amount <= 0 {
		return "", recovery.AsLogic(fmt.Errorf("payment without positive amount: %v", params["amount"]))
	}
	payee, _ := params["payee"].(string)
	ref, _ := params["reference"].(string)

	entry := ledgerEntry{
		Timestamp: l.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ID:        "PAY_" + uuid.NewString()[:8],
		Action:    actionType,
		Amount:    amount,
		Payee:     payee,
		Reference: ref,
	}
	if err := l.j.Append(entry); err != nil {
		return "", recovery.Wrap(recovery.System, fmt.Errorf("write ledger: %w", err))
	}
	l.logger.Info("payment recorded", zap.String("id", entry.ID), zap.Float64("amount", amount), zap.String("payee", payee))
	return fmt.Sprintf("%s %.2f to %s", entry.ID, amount, payee), nil
}
