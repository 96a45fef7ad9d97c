package usage

import (
	"fmt"
	"sort"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
	"github.com/Plonkawojciech/open-kaap-pro/internal/registry"
)

// ChatModelUsage is one model's share of a chat
type ChatModelUsage struct {
	ModelID       string  `json:"modelId"`
	Tokens        int     `json:"tokens"`
	InputTokens   int     `json:"inputTokens"`
	OutputTokens  int     `json:"outputTokens"`
	MessagesCount int     `json:"messagesCount"`
	CostUSD       float64 `json:"costUSD"`
}

// ChatAnalytics aggregates token use and cost of one chat
type ChatAnalytics struct {
	ChatID       string           `json:"chatId"`
	ChatName     string           `json:"chatName"`
	TotalTokens  int              `json:"totalTokens"`
	InputTokens  int              `json:"inputTokens"`
	OutputTokens int              `json:"outputTokens"`
	CostUSD      float64          `json:"costUSD"`
	PerModel     []ChatModelUsage `json:"perModel"`
}

// ComputeChatAnalytics aggregates message metadata per chat and per model.
// Chats and their models are sorted by cost, most expensive first.
func ComputeChatAnalytics(reg *registry.Registry, chats []core.ChatSession) []ChatAnalytics {
	result := make([]ChatAnalytics, 0, len(chats))
	for _, chat := range chats {
		a := ChatAnalytics{ChatID: chat.ID, ChatName: chat.Name, PerModel: []ChatModelUsage{}}
		index := make(map[string]int)

		for _, msg := range chat.Messages {
			m := msg.Metadata
			if m == nil {
				continue
			}
			total := m.TotalTokens
			if total == 0 {
				total = m.InputTokens + m.OutputTokens
			}
			if m.InputTokens == 0 && m.OutputTokens == 0 && total == 0 {
				continue
			}

			model := modelid.NormalizeStored(m.Model)
			cost := Cost(reg, model, m.InputTokens, m.OutputTokens)
			a.InputTokens += m.InputTokens
			a.OutputTokens += m.OutputTokens
			a.TotalTokens += total
			a.CostUSD += cost

			i, ok := index[model]
			if !ok {
				i = len(a.PerModel)
				index[model] = i
				a.PerModel = append(a.PerModel, ChatModelUsage{ModelID: model})
			}
			entry := &a.PerModel[i]
			entry.Tokens += total
			entry.InputTokens += m.InputTokens
			entry.OutputTokens += m.OutputTokens
			entry.CostUSD += cost
			entry.MessagesCount++
		}

		sort.SliceStable(a.PerModel, func(i, j int) bool { return a.PerModel[i].CostUSD > a.PerModel[j].CostUSD })
		result = append(result, a)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CostUSD > result[j].CostUSD })
	return result
}

// ChatAnalytics computes analytics with the tracker's registry.
func (t *Tracker) ChatAnalytics(chats []core.ChatSession) []ChatAnalytics {
	return ComputeChatAnalytics(t.registry, chats)
}

const dominantCostThresholdUSD = 2.0

// SuggestOptimizations returns at most three cost hints for a chat.
func SuggestOptimizations(reg *registry.Registry, a ChatAnalytics, profile core.ModelProfile) []string {
	var hints []string

	if len(a.PerModel) > 0 && a.PerModel[0].CostUSD > dominantCostThresholdUSD {
		dominant := a.PerModel[0]
		if cfg, ok := reg.Lookup(dominant.ModelID); ok {
			if cheaper, found := cheapestAlternative(reg, cfg); found {
				hints = append(hints, fmt.Sprintf("Consider %s as a cheaper substitute for %s.", cheaper.Name, cfg.Name))
			}
		}
	}
	if profile.Temperature != nil && *profile.Temperature > 0.8 {
		hints = append(hints, "Lower the temperature for steadier and cheaper answers.")
	}
	if len(profile.Fallbacks) == 0 {
		hints = append(hints, "Add fallbacks to the model profile to reduce errors and cost.")
	}

	if len(hints) > core.MaxOptimizationHints {
		hints = hints[:core.MaxOptimizationHints]
	}
	return hints
}

// SuggestOptimizations uses the tracker's registry.
func (t *Tracker) SuggestOptimizations(a ChatAnalytics, profile core.ModelProfile) []string {
	return SuggestOptimizations(t.registry, a, profile)
}

func cheapestAlternative(reg *registry.Registry, current core.ModelDescriptor) (core.ModelDescriptor, bool) {
	var best core.ModelDescriptor
	found := false
	for _, m := range reg.List() {
		if m.Provider != current.Provider || m.ID == current.ID {
			continue
		}
		if !found || m.InputPrice+m.OutputPrice < best.InputPrice+best.OutputPrice {
			best = m
			found = true
		}
	}
	return best, found
}
