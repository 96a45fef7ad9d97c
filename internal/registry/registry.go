// Package registry holds the model catalog: built-in models plus user-added ones.
package registry

import (
	"slices"
	"sync"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/modelid"
)

var builtinModels = []core.ModelDescriptor{
	// OpenAI
	{ID: "gpt-4o", Name: "GPT-4o", Provider: core.ProviderOpenAI, InputPrice: 2.50, OutputPrice: 10.00, MaxOutputTokens: 16384,
		Description: "Fastest and most versatile OpenAI model."},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: core.ProviderOpenAI, InputPrice: 10.00, OutputPrice: 30.00, MaxOutputTokens: 4096,
		Description: "Previous OpenAI flagship with broad knowledge."},
	{ID: "o1-preview", Name: "OpenAI o1 Preview", Provider: core.ProviderOpenAI, InputPrice: 15.00, OutputPrice: 60.00, MaxOutputTokens: 32768,
		Description: "Reasoning model for the hardest tasks."},
	{ID: "o1-mini", Name: "OpenAI o1 Mini", Provider: core.ProviderOpenAI, InputPrice: 3.00, OutputPrice: 12.00, MaxOutputTokens: 65536,
		Description: "Faster and cheaper reasoning model."},

	// Google
	{ID: "gemini-pro-latest", Name: "Gemini Pro (latest)", Provider: core.ProviderGoogle, InputPrice: 3.50, OutputPrice: 10.50, MaxOutputTokens: 8192,
		Description: "Stable Pro model with good text output and wide compatibility."},
	{ID: "gemini-flash-latest", Name: "Gemini Flash (latest)", Provider: core.ProviderGoogle, InputPrice: 0.35, OutputPrice: 1.05, MaxOutputTokens: 8192,
		Description: "Quick and cheap, good for short answers."},

	// Anthropic
	{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku (Legacy)", Provider: core.ProviderAnthropic, InputPrice: 0.25, OutputPrice: 1.25, MaxOutputTokens: 4096,
		Description: "Cheapest and fastest. Works with older API keys."},
	{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet (New)", Provider: core.ProviderAnthropic, InputPrice: 3.00, OutputPrice: 15.00, MaxOutputTokens: 8192,
		Description: "Updated Sonnet with a good balance of quality and price."},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: core.ProviderAnthropic, InputPrice: 1.00, OutputPrice: 5.00, MaxOutputTokens: 8192,
		Description: "Newest small Anthropic model."},
	{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", Provider: core.ProviderAnthropic, InputPrice: 15.00, OutputPrice: 75.00, MaxOutputTokens: 4096,
		Description: "Strong model for creative and complex tasks."},
	{ID: "claude-opus-4-6", Name: "Claude Opus 4.6", Provider: core.ProviderAnthropic, InputPrice: 15.00, OutputPrice: 75.00, MaxOutputTokens: 4096,
		Description: "Premium mode: in-depth analysis and long-term strategy."},
	{ID: "claude-sonnet-4-6", Name: "Claude Sonnet 4.6", Provider: core.ProviderAnthropic, InputPrice: 8.00, OutputPrice: 24.00, MaxOutputTokens: 8192,
		Description: "Balanced Anthropic model, fast and accurate for most tasks."},

	// DeepSeek (OpenAI-compatible endpoint)
	{ID: "deepseek-chat", Name: "DeepSeek Chat", Provider: core.ProviderDeepSeek, InputPrice: 0.50, OutputPrice: 0.80, MaxOutputTokens: 8192,
		Description: "Fast, cheap conversational model."},
	{ID: "deepseek-reasoner", Name: "DeepSeek Reasoner", Provider: core.ProviderDeepSeek, InputPrice: 2.00, OutputPrice: 3.00, MaxOutputTokens: 8192,
		Description: "Reasoning model for more complex tasks."},
}

// Builtin returns a copy of the built-in catalog.
func Builtin() []core.ModelDescriptor {
	return slices.Clone(builtinModels)
}

// Registry is the model catalog. Lookups search the built-in list before the user list;
// the first match wins.
type Registry struct {
	mu      sync.RWMutex
	builtin []core.ModelDescriptor
	user    []core.ModelDescriptor
}

// New creates a registry with the built-in catalog and the given user models.
func New(userModels []core.ModelDescriptor) *Registry {
	r := &Registry{builtin: Builtin()}
	r.SetUserModels(userModels)
	return r
}

// Lookup finds a model by id.
func (r *Registry) Lookup(id string) (core.ModelDescriptor, bool) {
	if r == nil {
		return core.ModelDescriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, list := range [][]core.ModelDescriptor{r.builtin, r.user} {
		for _, m := range list {
			if m.ID == id {
				return m, true
			}
		}
	}
	return core.ModelDescriptor{}, false
}

// ProviderOf returns the registered provider of id, or "" when unknown.
func (r *Registry) ProviderOf(id string) string {
	m, ok := r.Lookup(id)
	if !ok {
		return ""
	}
	return m.Provider
}

// MaxOutputTokens returns the output cap of id, or 0 when none is registered.
func (r *Registry) MaxOutputTokens(id string) int {
	m, _ := r.Lookup(id)
	return m.MaxOutputTokens
}

// List returns built-in models followed by user models.
func (r *Registry) List() []core.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]core.ModelDescriptor, 0, len(r.builtin)+len(r.user))
	result = append(result, r.builtin...)
	return append(result, r.user...)
}

// UserModels returns a copy of the user-added models.
func (r *Registry) UserModels() []core.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.user)
}

// SetUserModels replaces the user-added models. Ids are treated as stored values and
// pass through the alias table; entries without an id are dropped.
func (r *Registry) SetUserModels(models []core.ModelDescriptor) {
	cleaned := make([]core.ModelDescriptor, 0, len(models))
	for _, m := range models {
		m.ID = modelid.NormalizeStored(m.ID)
		if m.ID == "" {
			continue
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		cleaned = append(cleaned, m)
	}

	r.mu.Lock()
	r.user = cleaned
	r.mu.Unlock()
}
