package publisher

import (
	"strings"
)

// Per-platform character limits enforced before dispatch.
var platformLimits = map[string]int{
	"twitter":   280,
	"linkedin":  3000,
	"instagram": 2200,
}

const defaultLimit = 5000

// Hashtags every outgoing post must carry, per platform.
var mandatoryTags = map[string][]string{
	"twitter":   {"#insights"},
	"linkedin":  {"#insights", "#contentstrategy"},
	"instagram": {"#insights", "#content", "#creator"},
}

// Transform prepares post content for one platform: appends any missing
// mandatory hashtags and truncates to the platform limit without splitting
// words. Pure and deterministic; the same input always yields the same output.
func Transform(platform, content string) string {
	limit, ok := platformLimits[platform]
	if !ok {
		limit = defaultLimit
	}

	suffix := missingTagSuffix(platform, content)
	budget := limit - len([]rune(suffix))
	if budget < 1 {
		budget = 1
	}
	return truncateWords(content, budget) + suffix
}

func missingTagSuffix(platform, content string) string {
	lower := strings.ToLower(content)
	var missing []string
	for _, tag := range mandatoryTags[platform] {
		if !strings.Contains(lower, strings.ToLower(tag)) {
			missing = append(missing, tag)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return " " + strings.Join(missing, " ")
}

// truncateWords cuts content to at most max runes, backing up to the last
// whitespace so no word is split. A single over-long word is hard-cut.
func truncateWords(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexAny(cut, " \t\n"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \t\n")
}
