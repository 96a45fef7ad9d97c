// Package prompt assembles the system instruction sent with every provider call.
package prompt

import (
	"sort"
	"strings"
)

// Persona is the base prompt shared by every call.
const Persona = `You are "Open Kaap Pro", a professional assistant for cyclists, endurance athletes and people who look after their health.

Your rules:
- Answer in Polish unless the user asks otherwise.
- Be concrete, factual and focused on practical decisions.
- Base your advice on data: power, heart rate, HRV, sleep, volume, intensity, RPE, body mass, nutrition.
- Connect training, recovery, diet and injury prevention.
- Use readable Markdown formatting, short paragraphs and lists.
- Ask for key data when it is missing.
- Avoid medical diagnoses; when there is a health risk, suggest seeing a doctor or physiotherapist.
- Give practical steps and point out priorities and risks.
- Do not flatter the user; speak directly and do not hesitate to challenge wrong assumptions or theories.`

const defaultTone = "Professional mode: precision, practicality and a clear structure."

var modelTones = map[string]string{
	"claude-opus-4-6":            "Premium mode: in-depth analysis, scenarios and long-term strategy. Justify recommendations precisely and show how decisions affect form, fatigue and adaptation.",
	"claude-sonnet-4-6":          "Balanced Sonnet 4.6 mode: fast, accurate answers focused on practical recommendations. Give concrete steps and explain risks and the impact on form and recovery.",
	"claude-sonnet-4-5-20250929": "Balanced mode: combine precision with speed. Give clear recommendations and add detail only when it changes the outcome.",
	"claude-haiku-4-5-20251001":  "Fast mode: short, concrete answers and checklists. Focus on what is immediately useful.",
	"claude-3-haiku-20240307":    "Economy mode: maximally concise answers, 2-5 points, no digressions.",
	"claude-3-5-sonnet-20240620": "Analytical mode: structure, trade-offs and a short justification of choices.",
	"claude-3-opus-20240229":     "Deep mode: wide context, thorough analysis and training and health scenarios.",
}

// Mode is a work mode preset affecting instruction text and default temperature.
type Mode struct {
	Name        string  `json:"name"`
	Addendum    string  `json:"addendum"`
	Temperature float64 `json:"temperature"`
}

var modes = map[string]Mode{
	"szybki":      {Name: "szybki", Addendum: "Fast mode: maximally concise answers and quick decisions.", Temperature: 0.3},
	"analityczny": {Name: "analityczny", Addendum: "Analytical mode: show reasoning, trade-offs and justification.", Temperature: 0.5},
	"kreatywny":   {Name: "kreatywny", Addendum: "Creative mode: more variants and fresh ideas.", Temperature: 0.9},
	"oszczedny":   {Name: "oszczedny", Addendum: "Economy mode: short answers, minimum tokens.", Temperature: 0.2},
}

var modeAliases = map[string]string{
	"fast":       "szybki",
	"analytical": "analityczny",
	"creative":   "kreatywny",
	"economical": "oszczedny",
}

// LookupMode resolves a work mode by its Polish key or English alias.
func LookupMode(name string) (Mode, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := modeAliases[key]; ok {
		key = alias
	}
	m, ok := modes[key]
	return m, ok
}

// ModeTemperature returns the default temperature of a known mode.
func ModeTemperature(name string) (float64, bool) {
	m, ok := LookupMode(name)
	if !ok {
		return 0, false
	}
	return m.Temperature, true
}

// Modes lists the known work modes by name.
func Modes() []Mode {
	out := make([]Mode, 0, len(modes))
	for _, m := range modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EffectiveTemperature picks the sampling temperature for a turn: the model profile
// override, then the work mode default, then the explicit request value.
func EffectiveTemperature(profile *float64, mode string, explicit *float64) *float64 {
	if profile != nil {
		return profile
	}
	if t, ok := ModeTemperature(mode); ok {
		return &t
	}
	return explicit
}

// ToneFor returns the per-model tone addendum, or the generic one for unknown ids.
func ToneFor(modelID string) string {
	if tone, ok := modelTones[modelID]; ok {
		return tone
	}
	return defaultTone
}

// Input holds everything that can appear in a system instruction.
type Input struct {
	ModelID           string
	MasterPrompt      string
	ModelSystemPrompt string
	Memory            string
	PinnedFacts       string
	Mode              string
}

type block struct {
	title string
	body  string
}

// Build concatenates the instruction in a fixed order: persona, tone, mode, master
// context, model system prompt, memory, pinned facts. Empty optional blocks are omitted.
func Build(in Input) string {
	parts := []string{Persona, ToneFor(in.ModelID)}

	if in.Mode != "" {
		if m, ok := LookupMode(in.Mode); ok {
			parts = append(parts, m.Addendum)
		}
	}

	for _, b := range []block{
		{"MASTER CONTEXT", in.MasterPrompt},
		{"SYSTEM PROMPT (MODEL)", in.ModelSystemPrompt},
		{"CONVERSATION MEMORY", in.Memory},
		{"PINNED FACTS", in.PinnedFacts},
	} {
		if strings.TrimSpace(b.body) == "" {
			continue
		}
		parts = append(parts, delimited(b.title, b.body))
	}

	return strings.Join(parts, "\n\n")
}

func delimited(title, body string) string {
	header := "=== " + title + " ==="
	return header + "\n" + body + "\n" + strings.Repeat("=", len(header))
}

// SystemPromptFor picks the per-model system prompt for candidate, falling back to the
// shared request-level prompt.
func SystemPromptFor(candidate string, perModel map[string]string, shared string) string {
	if p, ok := perModel[candidate]; ok {
		return p
	}
	return shared
}
