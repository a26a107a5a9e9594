package tools

import (
	"strings"

	"github.com/routa-dev/routa/internal/store"
)

// Task blocks are fenced sections inside a spec note:
//
//	@@@task
//	# Title
//	## Objective
//	- what to achieve
//	## Scope
//	- boundaries
//	## Acceptance Criteria
//	- criterion
//	## Verification Commands
//	- go test ./...
//	@@@
type taskBlock struct {
	Title                string
	Objective            string
	Scope                string
	AcceptanceCriteria   []string
	VerificationCommands []string
}

const (
	blockOpen  = "@@@task"
	blockClose = "@@@"
)

// extractTaskBlocks parses every @@@task block in note content, in order.
// Malformed blocks (no title) are skipped.
func extractTaskBlocks(content string) []taskBlock {
	var blocks []taskBlock
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != blockOpen {
			continue
		}
		var body []string
		for i++; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == blockClose {
				break
			}
			body = append(body, lines[i])
		}
		if block, ok := parseTaskBlock(body); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func parseTaskBlock(lines []string) (taskBlock, bool) {
	var block taskBlock
	section := ""

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "## "):
			section = normalizeSection(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "# "):
			block.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			section = ""
		default:
			item := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			switch section {
			case "objective":
				block.Objective = appendLine(block.Objective, item)
			case "scope":
				block.Scope = appendLine(block.Scope, item)
			case "acceptancecriteria":
				block.AcceptanceCriteria = append(block.AcceptanceCriteria, item)
			case "verificationcommands":
				block.VerificationCommands = append(block.VerificationCommands, item)
			}
		}
	}
	return block, block.Title != ""
}

// normalizeSection maps "Acceptance Criteria", "acceptanceCriteria", etc. to
// one canonical key.
func normalizeSection(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}

// blocksToTasks materializes parsed blocks as task rows for a workspace.
func blocksToTasks(workspaceID string, blocks []taskBlock) []*store.Task {
	tasks := make([]*store.Task, 0, len(blocks))
	for _, block := range blocks {
		tasks = append(tasks, &store.Task{
			Title:                block.Title,
			Objective:            block.Objective,
			Scope:                block.Scope,
			AcceptanceCriteria:   block.AcceptanceCriteria,
			VerificationCommands: block.VerificationCommands,
			WorkspaceID:          workspaceID,
		})
	}
	return tasks
}
