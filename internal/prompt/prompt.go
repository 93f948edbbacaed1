// internal/prompt/prompt.go
package prompt

import (
	"fmt"
	"strings"

	"github.com/fortiqa/mcp-orchestrator/internal/domain"
)

// Placeholder is the token substituted with the task text when rendering a
// prompt template.
const Placeholder = "{task}"

// DefaultTemplate is used when no template override is supplied.
const DefaultTemplate = "You are a FortiIdentity Cloud support specialist partnering with network and IT " +
	"administrators. Provide accurate, actionable guidance on multi-factor authentication " +
	"policies, identity sources, directory synchronization, and user lifecycle management. " +
	"Always confirm the administrator's objective, reference Fortinet-recommended best " +
	"practices, and outline concise steps tailored to FortiIdentity Cloud. Task " +
	"instructions:\n{task}"

// Render substitutes the task text into the template. When the template has no
// placeholder, the task text is appended after the template under a separating
// heading. An empty template yields the task text unchanged.
func Render(taskText, template string) string {
	if template == "" {
		template = DefaultTemplate
	}
	if strings.Contains(template, Placeholder) {
		return strings.ReplaceAll(template, Placeholder, taskText)
	}
	cleaned := strings.TrimSpace(template)
	if cleaned == "" {
		return taskText
	}
	return cleaned + "\n\nTask Instructions:\n" + taskText
}

// ForTestCase builds the execution prompt for a persisted test case. An
// explicit override wins; otherwise the prompt is assembled from the case's
// reference, title, description, category, priority and step list.
func ForTestCase(tc *domain.TestCase, override string) string {
	if override != "" {
		return override
	}

	var steps strings.Builder
	for _, step := range tc.Steps {
		fmt.Fprintf(&steps, "- %s\n", step)
	}
	if steps.Len() == 0 {
		steps.WriteString("- Follow documented test scenario steps.\n")
	}

	description := tc.Description
	if description == "" {
		description = "No description provided."
	}
	category := tc.Category
	if category == "" {
		category = "Uncategorized"
	}

	return fmt.Sprintf(
		"Execute automated test case %s: %s.\n"+
			"Description: %s\n"+
			"Category: %s | Priority: %s\n"+
			"Steps:\n%s"+
			"Report detailed step results and ensure assertions complete successfully.",
		tc.Reference, tc.Title, description, category, tc.Priority, steps.String(),
	)
}
