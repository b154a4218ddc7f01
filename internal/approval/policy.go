package approval

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/domain"
)

// Policy решает, нужен ли человек перед действием. Причина непуста, когда ответ true.
type Policy interface {
	RequiresApproval(action domain.Action) (bool, string)
}

// DefaultIrreversible — действия, которые нельзя отменить после исполнения.
var DefaultIrreversible = []string{"send_email", "post_social", "post_linkedin", "whatsapp_reply", "payment"}

const DefaultAmountThreshold = 500.0

// ThresholdPolicy: необратимые действия и суммы выше порога — только через одобрение.
type ThresholdPolicy struct {
	irreversible    map[string]struct{}
	amountThreshold float64
	logger          *zap.Logger
}

func NewThresholdPolicy(irreversible []string, amountThreshold float64, logger *zap.Logger) *ThresholdPolicy {
	set := make(map[string]struct{}, len(irreversible))
	for _, a := range irreversible {
		set[strings.TrimSpace(a)] = struct{}{}
	}
	return &ThresholdPolicy{irreversible: set, amountThreshold: amountThreshold, logger: logger.Named("policy")}
}

func (p *ThresholdPolicy) RequiresApproval(action domain.Action) (bool, string) {
	// 1. Быстрая проверка по типу
	if _, ok := p.irreversible[action.Type]; ok {
		return true, fmt.Sprintf("action %q is irreversible", action.Type)
	}

	// 2. Динамический лимит по сумме: явное поле или params["amount"]
	amount, ok := action.AmountValue()
	if ok && amount > p.amountThreshold {
		p.logger.Warn("dynamic approval triggered",
			zap.String("action", action.Type),
			zap.Float64("amount", amount),
			zap.Float64("threshold", p.amountThreshold),
		)
		return true, fmt.Sprintf("amount %.2f exceeds threshold %.2f", amount, p.amountThreshold)
	}
	return false, ""
}

func (p *ThresholdPolicy) Irreversible() []string {
	out := make([]string, 0, len(p.irreversible))
	for a := range p.irreversible {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
