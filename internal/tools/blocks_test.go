package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTaskBlocks(t *testing.T) {
	content := `Intro text that is not a block.

@@@task
# Enhance parser
## Objective
- support nested lists
## Scope
- parser package only
## Acceptance Criteria
- nested lists round-trip
- no regressions
## Verification Commands
- go test ./parser/...
@@@

Some prose between blocks.

@@@task
# Write docs
## Objective
- document the new syntax
@@@
`
	blocks := extractTaskBlocks(content)
	require.Len(t, blocks, 2)

	assert.Equal(t, "Enhance parser", blocks[0].Title)
	assert.Equal(t, "support nested lists", blocks[0].Objective)
	assert.Equal(t, "parser package only", blocks[0].Scope)
	assert.Equal(t, []string{"nested lists round-trip", "no regressions"}, blocks[0].AcceptanceCriteria)
	assert.Equal(t, []string{"go test ./parser/..."}, blocks[0].VerificationCommands)

	assert.Equal(t, "Write docs", blocks[1].Title)
	assert.Equal(t, "document the new syntax", blocks[1].Objective)
	assert.Empty(t, blocks[1].Scope)
}

func TestExtractTaskBlocksSkipsUntitled(t *testing.T) {
	content := "@@@task\n## Objective\n- orphaned objective\n@@@\n@@@task\n# Valid\n## Objective\n- ok\n@@@"
	blocks := extractTaskBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, "Valid", blocks[0].Title)
}

func TestExtractTaskBlocksEmptyContent(t *testing.T) {
	assert.Empty(t, extractTaskBlocks(""))
	assert.Empty(t, extractTaskBlocks("just a note with no blocks"))
}

func TestExtractTaskBlocksSectionAliases(t *testing.T) {
	content := "@@@task\n# T\n## acceptanceCriteria\n- c1\n## verification commands\n- cmd\n@@@"
	blocks := extractTaskBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, []string{"c1"}, blocks[0].AcceptanceCriteria)
	assert.Equal(t, []string{"cmd"}, blocks[0].VerificationCommands)
}

func TestExtractTaskBlocksMultilineObjective(t *testing.T) {
	content := "@@@task\n# T\n## Objective\n- first line\n- second line\n@@@"
	blocks := extractTaskBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, "first line\nsecond line", blocks[0].Objective)
}
