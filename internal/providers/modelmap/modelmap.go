// Package modelmap implements the model-name resolution rules used by the
// provider request builders (spec §4.2.1, testable property #6).
package modelmap

import "strings"

// AmazonQTarget resolves a requested Claude model name to the
// CodeWhisperer-side model identifier, per spec §4.2.1's last bullet.
func AmazonQTarget(requested string) string {
	lower := strings.ToLower(requested)
	switch {
	case strings.Contains(lower, "sonnet"):
		if strings.Contains(lower, "4.6") || strings.Contains(lower, "4-6") {
			return "claude-sonnet-4.6"
		}
		return "claude-sonnet-4.5"
	case strings.Contains(lower, "opus"):
		if strings.Contains(lower, "4.5") || strings.Contains(lower, "4-5") {
			return "claude-opus-4.5"
		}
		return "claude-opus-4.6"
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	default:
		return "claude-sonnet-4.5"
	}
}

// GeminiTarget resolves a requested Claude model name to a Gemini model
// id using an explicit mapping table (read from the config store per spec
// §4.2.2), falling back to "claude-sonnet-4-5" for anything unmapped.
func GeminiTarget(requested string, mapping map[string]string) string {
	if target, ok := mapping[requested]; ok {
		return target
	}
	return "claude-sonnet-4-5"
}
