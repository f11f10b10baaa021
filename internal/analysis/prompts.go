package analysis

import (
	"fmt"
	"strings"
)

const defaultSummaryPrompt = `You summarize team discussions. Given the text of a discussion thread,
produce a concise summary (2-3 sentences) and a short list of key points.
Stay factual; do not invent details that are not in the text.`

func taskDetectionPrompt(availableDomains []string, maxTasks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You extract actionable work items from team discussions.
Identify every distinct action item in the text, up to %d. A request like
"fix X AND update Y" is two separate tasks. Set isMultiTask when more than
one task is present.

For each task provide a short imperative title and a description. Only fill
priority, type, assignee, domain, dueDate, or tags when the text clearly
states them; omit a field entirely when you are not certain.
`, maxTasks)

	if len(availableDomains) > 0 {
		fmt.Fprintf(&b, "\nClassify each task's domain using exactly one of: %s. "+
			"Omit the domain when none of these fit.\n", strings.Join(availableDomains, ", "))
	} else {
		b.WriteString("\nDo not assign domains.\n")
	}

	return b.String()
}

func userPrompt(text, sourceType string) string {
	if sourceType == "" {
		return text
	}
	return fmt.Sprintf("Source: %s\n\n%s", sourceType, text)
}
