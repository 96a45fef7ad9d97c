package usage

import (
	"fmt"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
)

// DefaultBudget is the budget used until the user configures one.
func DefaultBudget() core.BudgetSettings {
	return core.BudgetSettings{
		AlertThreshold:   core.DefaultAlertThreshold,
		PerModelLimitUSD: map[string]float64{},
	}
}

func normalizeBudget(b core.BudgetSettings) core.BudgetSettings {
	if b.MonthlyBudgetUSD < 0 {
		b.MonthlyBudgetUSD = 0
	}
	if b.AlertThreshold <= 0 {
		b.AlertThreshold = core.DefaultAlertThreshold
	}
	limits := make(map[string]float64, len(b.PerModelLimitUSD))
	for id, limit := range b.PerModelLimitUSD {
		id = modelid.NormalizeStored(modelid.Normalize(id))
		if id == "" || limit <= 0 {
			continue
		}
		limits[id] = limit
	}
	b.PerModelLimitUSD = limits
	return b
}

// loadBudget requires t.mu.
func (t *Tracker) loadBudget() (core.BudgetSettings, error) {
	budget := DefaultBudget()
	found, err := storage.LoadJSON(t.store, core.StoreKeyBudgetSettings, &budget)
	if err != nil {
		return DefaultBudget(), err
	}
	if !found {
		return budget, nil
	}
	return normalizeBudget(budget), nil
}

// Budget returns the stored budget settings.
func (t *Tracker) Budget() (core.BudgetSettings, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadBudget()
}

// SetBudget stores b after normalizing its threshold and model ids.
func (t *Tracker) SetBudget(b core.BudgetSettings) (core.BudgetSettings, error) {
	b = normalizeBudget(b)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := storage.SaveJSON(t.store, core.StoreKeyBudgetSettings, b); err != nil {
		return core.BudgetSettings{}, err
	}
	return b, nil
}

// evaluateBudget checks the monthly alert and the per-model cap independently.
func evaluateBudget(b core.BudgetSettings, model string, monthly, modelTotals core.UsageTotals) []Notice {
	var notices []Notice

	if b.MonthlyBudgetUSD > 0 && monthly.CostUSD >= b.MonthlyBudgetUSD*b.AlertThreshold {
		remaining := max(b.MonthlyBudgetUSD-monthly.CostUSD, 0)
		message := fmt.Sprintf("You are approaching the monthly budget limit. About %s left.", util.FormatUSD(remaining))
		if monthly.CostUSD > b.MonthlyBudgetUSD {
			message = fmt.Sprintf("You have exceeded the monthly budget by %s.", util.FormatUSD(monthly.CostUSD-b.MonthlyBudgetUSD))
		}
		notices = append(notices, Notice{
			Kind:         core.NoticeWarning,
			Message:      message,
			SpentUSD:     monthly.CostUSD,
			LimitUSD:     b.MonthlyBudgetUSD,
			RemainingUSD: remaining,
		})
	}

	if limit := b.PerModelLimitUSD[model]; limit > 0 && modelTotals.CostUSD >= limit {
		notices = append(notices, Notice{
			Kind:         core.NoticeHardStop,
			Model:        model,
			Message:      fmt.Sprintf("Cost limit reached for model %s. Switch model or raise the limit.", model),
			SpentUSD:     modelTotals.CostUSD,
			LimitUSD:     limit,
			RemainingUSD: max(limit-modelTotals.CostUSD, 0),
		})
	}
	return notices
}
