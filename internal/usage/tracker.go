// Package usage tracks token cost, monthly totals, the audit log and budget notices.
package usage

import (
	"net/http"
	"sync"
	"time"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/provider"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
	"github.com/Plonkawojciech/open-kaap-pro/internal/storage"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"

	"github.com/google/uuid"
)

// TurnRecord describes one finished or failed turn
type TurnRecord struct {
	Action              string
	Model               string
	UsedModel           string
	Provider            string
	Mode                string
	Temperature         *float64
	TopP                *float64
	FileNames           []string
	HasFiles            bool
	MemoryIncluded      bool
	PinnedFactsIncluded bool
	Usage               core.Usage
}

// Notice is a budget condition raised after a turn was recorded
type Notice struct {
	Kind         string  `json:"kind"`
	Model        string  `json:"model,omitempty"`
	Message      string  `json:"message"`
	SpentUSD     float64 `json:"spentUSD"`
	LimitUSD     float64 `json:"limitUSD"`
	RemainingUSD float64 `json:"remainingUSD"`
}

// Outcome is the result of recording a successful turn
type Outcome struct {
	CostUSD     float64          `json:"costUSD"`
	CostPLN     float64          `json:"costPLN"`
	Monthly     core.UsageTotals `json:"monthly"`
	ModelTotals core.UsageTotals `json:"modelTotals"`
	Entry       core.AuditEntry  `json:"entry"`
	Notices     []Notice         `json:"notices,omitempty"`
}

// Config configures a Tracker
type Config struct {
	Store    core.StorageInterface
	Registry *registry.Registry
	Logger   core.Logger
	Now      func() time.Time
}

// Tracker serializes every read-modify-write of usage state
type Tracker struct {
	mu       sync.Mutex
	store    core.StorageInterface
	registry *registry.Registry
	logger   core.Logger
	now      func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStorage()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{store: cfg.Store, registry: cfg.Registry, logger: cfg.Logger, now: cfg.Now}
}

// Cost prices a turn in USD. Unknown models cost nothing.
func (t *Tracker) Cost(model string, inputTokens, outputTokens int) float64 {
	return Cost(t.registry, model, inputTokens, outputTokens)
}

// Cost prices tokens against the registry entry of model.
func Cost(reg *registry.Registry, model string, inputTokens, outputTokens int) float64 {
	m, ok := reg.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*m.InputPrice + float64(outputTokens)/1e6*m.OutputPrice
}

// budgetKey is the id per-model totals and limits are stored under.
func budgetKey(id string) string {
	return modelid.NormalizeStored(modelid.Normalize(id))
}

// CurrentMonth returns the month key of the tracker clock.
func (t *Tracker) CurrentMonth() string {
	return util.MonthKey(t.now())
}

func (t *Tracker) newEntry(rec TurnRecord) core.AuditEntry {
	fileNames := rec.FileNames
	if fileNames == nil {
		fileNames = []string{}
	}
	providerName := rec.Provider
	if providerName == "" {
		providerName = provider.ResolveProvider(t.registry, rec.Model)
	}
	return core.AuditEntry{
		ID:                  uuid.NewString(),
		Timestamp:           t.now().UnixMilli(),
		Action:              rec.Action,
		Model:               rec.Model,
		Provider:            providerName,
		Mode:                rec.Mode,
		Temperature:         rec.Temperature,
		TopP:                rec.TopP,
		HasFiles:            rec.HasFiles || len(rec.FileNames) > 0,
		FileNames:           fileNames,
		MemoryIncluded:      rec.MemoryIncluded,
		PinnedFactsIncluded: rec.PinnedFactsIncluded,
	}
}

// RecordTurn accumulates a successful turn into the monthly totals, appends its
// audit entry and evaluates the budget. Notices never affect the turn itself.
func (t *Tracker) RecordTurn(rec TurnRecord) (*Outcome, error) {
	model := rec.UsedModel
	if model == "" {
		model = rec.Model
	}
	model = budgetKey(model)
	if rec.Model == "" {
		rec.Model = model
	}

	u := rec.Usage
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	cost := t.Cost(model, u.InputTokens, u.OutputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	month := t.CurrentMonth()
	monthly, err := t.loadMonthly(month)
	if err != nil {
		return nil, err
	}
	perModel, err := t.loadPerModel(month)
	if err != nil {
		return nil, err
	}

	delta := core.UsageTotals{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, TotalTokens: u.TotalTokens, CostUSD: cost}
	monthly = addTotals(monthly, delta)
	perModel[model] = addTotals(perModel[model], delta)

	if err := storage.SaveJSON(t.store, core.StoreKeyUsagePrefix+month, monthly); err != nil {
		return nil, err
	}
	if err := storage.SaveJSON(t.store, core.StoreKeyUsageModelPrefix+month, perModel); err != nil {
		return nil, err
	}

	entry := t.newEntry(rec)
	entry.UsedModel = model
	entry.InputTokens = u.InputTokens
	entry.OutputTokens = u.OutputTokens
	entry.TotalTokens = u.TotalTokens
	entry.CostUSD = cost
	if err := t.appendAudit(entry); err != nil {
		return nil, err
	}

	budget, err := t.loadBudget()
	if err != nil {
		return nil, err
	}

	t.logger.Debug("Recorded turn on %s: %d tokens, %s", model, u.TotalTokens, util.FormatUSD(cost))

	return &Outcome{
		CostUSD:     cost,
		CostPLN:     cost * core.USDToPLN,
		Monthly:     monthly,
		ModelTotals: perModel[model],
		Entry:       entry,
		Notices:     evaluateBudget(budget, model, monthly, perModel[model]),
	}, nil
}

// RecordFailure appends an audit entry for a failed turn with its classified code.
func (t *Tracker) RecordFailure(rec TurnRecord, cause error) (core.AuditEntry, error) {
	entry := t.newEntry(rec)
	if cause != nil {
		entry.Error = cause.Error()
		if httpErr, ok := core.AsHTTPError(cause); ok && httpErr.Code != "" {
			entry.ErrorCode = httpErr.Code
		} else {
			entry.ErrorCode = provider.ClassifyError(cause).Code
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendAudit(entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// Monthly returns the totals of month (current month when empty) and its per-model split.
func (t *Tracker) Monthly(month string) (core.UsageTotals, map[string]core.UsageTotals, error) {
	if month == "" {
		month = t.CurrentMonth()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	monthly, err := t.loadMonthly(month)
	if err != nil {
		return core.UsageTotals{}, nil, err
	}
	perModel, err := t.loadPerModel(month)
	if err != nil {
		return core.UsageTotals{}, nil, err
	}
	return monthly, perModel, nil
}

// AuditLog returns up to limit entries, newest first. limit <= 0 returns all.
func (t *Tracker) AuditLog(limit int) ([]core.AuditEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.loadAudit()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Submission is what the user is about to send
type Submission struct {
	Model string
	Text  string
	Files int
}

// CheckSubmission rejects empty submissions and submissions over budget.
func (t *Tracker) CheckSubmission(sub Submission) error {
	if sub.Text == "" && sub.Files == 0 {
		return &core.HTTPError{Status: http.StatusBadRequest, Message: "message is empty", Code: "E_EMPTY"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	budget, err := t.loadBudget()
	if err != nil {
		return err
	}
	month := t.CurrentMonth()
	monthly, err := t.loadMonthly(month)
	if err != nil {
		return err
	}

	if budget.MonthlyBudgetUSD > 0 && monthly.CostUSD >= budget.MonthlyBudgetUSD {
		return &core.HTTPError{
			Status:  http.StatusPaymentRequired,
			Message: "monthly cost limit reached; raise the limit or wait for the next month",
			Code:    "E_BUDGET",
		}
	}

	model := budgetKey(sub.Model)
	if limit := budget.PerModelLimitUSD[model]; limit > 0 {
		perModel, err := t.loadPerModel(month)
		if err != nil {
			return err
		}
		if perModel[model].CostUSD >= limit {
			return core.NewHTTPError(http.StatusPaymentRequired, "E_BUDGET",
				"cost limit reached for model %s; switch model or raise the limit", model)
		}
	}
	return nil
}

func addTotals(a, b core.UsageTotals) core.UsageTotals {
	return core.UsageTotals{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
		CostUSD:      a.CostUSD + b.CostUSD,
	}
}

// Loaders below require t.mu.

func (t *Tracker) loadMonthly(month string) (core.UsageTotals, error) {
	var totals core.UsageTotals
	if _, err := storage.LoadJSON(t.store, core.StoreKeyUsagePrefix+month, &totals); err != nil {
		return core.UsageTotals{}, err
	}
	return totals, nil
}

func (t *Tracker) loadPerModel(month string) (map[string]core.UsageTotals, error) {
	var raw map[string]core.UsageTotals
	if _, err := storage.LoadJSON(t.store, core.StoreKeyUsageModelPrefix+month, &raw); err != nil {
		return nil, err
	}
	perModel := make(map[string]core.UsageTotals, len(raw))
	for id, totals := range raw {
		id = modelid.NormalizeStored(id)
		perModel[id] = addTotals(perModel[id], totals)
	}
	return perModel, nil
}

func (t *Tracker) loadAudit() ([]core.AuditEntry, error) {
	var entries []core.AuditEntry
	if _, err := storage.LoadJSON(t.store, core.StoreKeyAuditLog, &entries); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Model = modelid.NormalizeStored(entries[i].Model)
		if entries[i].UsedModel != "" {
			entries[i].UsedModel = modelid.NormalizeStored(entries[i].UsedModel)
		}
	}
	return entries, nil
}

func (t *Tracker) appendAudit(entry core.AuditEntry) error {
	entries, err := t.loadAudit()
	if err != nil {
		t.logger.Warn("Audit log unreadable, starting a new one: %v", err)
		entries = nil
	}
	entries = append([]core.AuditEntry{entry}, entries...)
	if len(entries) > core.AuditLogCap {
		entries = entries[:core.AuditLogCap]
	}
	return storage.SaveJSON(t.store, core.StoreKeyAuditLog, entries)
}
