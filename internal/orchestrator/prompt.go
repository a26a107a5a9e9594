package orchestrator

import (
	"fmt"
	"strings"

	"github.com/routa-dev/routa/internal/store"
)

// buildChildPrompt composes the initial prompt for a delegated child:
// specialist system prompt, role reminder, task context, extra instructions,
// and a scope trailer.
func buildChildPrompt(sp *store.Specialist, task *store.Task, additionalInstructions string) string {
	var b strings.Builder

	b.WriteString(sp.SystemPrompt)
	if sp.RoleReminder != "" {
		b.WriteString("\n\n")
		b.WriteString(sp.RoleReminder)
	}

	b.WriteString("\n\n## Your Task\n\n")
	fmt.Fprintf(&b, "Task: %s (id: %s)\n", task.Title, task.ID)
	fmt.Fprintf(&b, "Objective: %s\n", task.Objective)
	if task.Scope != "" {
		fmt.Fprintf(&b, "Scope: %s\n", task.Scope)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nDefinition of done:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(task.VerificationCommands) > 0 {
		b.WriteString("\nVerification:\n")
		for _, c := range task.VerificationCommands {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if additionalInstructions != "" {
		b.WriteString("\n## Additional Instructions\n\n")
		b.WriteString(additionalInstructions)
		b.WriteString("\n")
	}

	b.WriteString("\nSCOPE: Work only on the task above. When finished, call report_to_parent with your task id, a summary of what you did, and whether you succeeded.")
	return b.String()
}

// childOutcome is one child's contribution to a wake message.
type childOutcome struct {
	AgentName string
	AgentRole string
	TaskTitle string
	Status    store.TaskStatus
	Summary   string
	Verdict   store.VerificationVerdict
	Report    string
}

// buildWakeMessage composes the prompt that resumes a parent after one
// child's completion.
func buildWakeMessage(o childOutcome) string {
	var b strings.Builder
	b.WriteString("A delegated agent has finished.\n\n")
	fmt.Fprintf(&b, "Agent: %s (%s)\n", o.AgentName, o.AgentRole)
	fmt.Fprintf(&b, "Task %q → %s\n", o.TaskTitle, o.Status)
	if o.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", o.Summary)
	}
	if o.Verdict != "" {
		fmt.Fprintf(&b, "Verification verdict: %s\n", o.Verdict)
	}
	if o.Report != "" {
		fmt.Fprintf(&b, "Verification report: %s\n", o.Report)
	}
	b.WriteString("\nReview the result and continue coordinating.")
	return b.String()
}

// buildGroupWakeMessage composes the single wake prompt for an after_all
// group once every child has completed.
func buildGroupWakeMessage(outcomes []childOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "All %d delegated agents have finished.\n\n", len(outcomes))
	for _, o := range outcomes {
		fmt.Fprintf(&b, "- %s (%s): Task %q → %s", o.AgentName, o.AgentRole, o.TaskTitle, o.Status)
		if o.Summary != "" {
			fmt.Fprintf(&b, " — %s", o.Summary)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReview the results and continue coordinating.")
	return b.String()
}
