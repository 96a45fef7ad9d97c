// Package modelid canonicalizes model identifiers typed by users or read back from storage.
package modelid

import (
	"regexp"
	"strings"
)

var (
	separatorRun = regexp.MustCompile(`[_\s]+`)
	dashRun      = regexp.MustCompile(`-+`)
)

// storedAliases rewrites retired ids to their successors.
var storedAliases = map[string]string{
	"gemini-1.5-pro":   "gemini-pro-latest",
	"gemini-1.5-flash": "gemini-flash-latest",
}

// Normalize lowercases raw, strips a leading "models/" and collapses separators into
// single dashes. Gemini version numbers mangled by the dash rewrite are restored,
// so "models/Gemini_1-5-Pro" becomes "gemini-1.5-pro".
func Normalize(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	for strings.HasPrefix(id, "models/") {
		id = strings.TrimPrefix(id, "models/")
	}
	id = separatorRun.ReplaceAllString(id, "-")
	id = dashRun.ReplaceAllString(id, "-")
	id = strings.ReplaceAll(id, "gemini-1-5", "gemini-1.5")
	id = strings.ReplaceAll(id, "gemini-1-0", "gemini-1.0")
	return id
}

// NormalizeStored maps a persisted id through the alias table.
// Only values loaded from the store go through here; fresh user input does not.
func NormalizeStored(id string) string {
	if alias, ok := storedAliases[id]; ok {
		return alias
	}
	return id
}

// NormalizeList normalizes ids, dropping empties and duplicates while keeping the first
// occurrence order.
func NormalizeList(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := Normalize(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
