// Package promptstyle prepends a shared guidance block to system prompts.
package promptstyle

import "strings"

const marker = "APPFORGE_PROMPT_STYLE_V1"

// ApplySystem is idempotent. Mode "artifact" adds the output contract for a
// single JSON artifact preceded by optional progress lines.
func ApplySystem(system string, mode string) string {
	base := strings.TrimSpace(system)
	if base == "" {
		return base
	}
	if strings.Contains(base, marker) {
		return base
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	taskSummary := ""
	for _, line := range strings.Split(base, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			taskSummary = trimmed
			break
		}
	}

	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\nYou build small, complete web applications.")
	if taskSummary != "" {
		b.WriteString("\nTask summary: " + taskSummary)
	}
	b.WriteString("\nFollow the system and user instructions precisely.")
	b.WriteString("\nEvery file you reference must be included; do not leave placeholders or TODOs.")
	if mode == "artifact" {
		b.WriteString("\nWhile working you may print short status lines starting with \"PROGRESS: \" (plain words, no braces).")
		b.WriteString("\nThen output exactly one JSON object and nothing after it.")
	} else {
		b.WriteString("\nBe concise.")
	}
	b.WriteString("\n---\n")
	b.WriteString(base)
	return strings.TrimSpace(b.String())
}
