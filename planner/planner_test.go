package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanValid(t *testing.T) {
	content := "REASONING: Split the work into API and tests.\n" +
		"TASKS:\n" +
		`[{"description": "Create the API", "file_path": "src/api.py", "language": "python"},` +
		` {"description": "Add tests", "file_path": "tests/test_api.py", "language": "python"}]`

	result := parsePlan(content)
	require.Len(t, result.Tasks, 2)
	assert.Equal(t, "Split the work into API and tests.", result.Reasoning)
	assert.Equal(t, "src/api.py", result.Tasks[0].FilePath)
	assert.Equal(t, "Add tests", result.Tasks[1].Description)
	assert.NotEmpty(t, result.Tasks[0].TaskID)
	assert.NotEqual(t, result.Tasks[0].TaskID, result.Tasks[1].TaskID)
}

func TestParsePlanMarkdownFences(t *testing.T) {
	content := "REASONING: One file suffices.\n" +
		"TASKS:\n```json\n" +
		`[{"description": "Write a CLI", "file_path": "src/cli.py", "language": "python"}]` +
		"\n```"

	result := parsePlan(content)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "Write a CLI", result.Tasks[0].Description)
}

func TestParsePlanDefaults(t *testing.T) {
	content := "REASONING: ok\nTASKS: [{\"description\": \"do it\"}]"

	result := parsePlan(content)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "unknown.py", result.Tasks[0].FilePath)
	assert.Equal(t, "python", result.Tasks[0].Language)
}

func TestParsePlanFallback(t *testing.T) {
	content := "REASONING: confused\nTASKS: this is not JSON at all"

	result := parsePlan(content)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "Implement: this is not JSON at all", result.Tasks[0].Description)
	assert.Equal(t, "src/main.py", result.Tasks[0].FilePath)
	assert.Equal(t, "python", result.Tasks[0].Language)
}

func TestParsePlanFallbackTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	content := "TASKS: " + string(long)

	result := parsePlan(content)
	require.Len(t, result.Tasks, 1)
	assert.Len(t, result.Tasks[0].Description, len("Implement: ")+fallbackTruncate)
}

func TestParsePlanWithoutSections(t *testing.T) {
	result := parsePlan("I cannot help with that.")
	require.Len(t, result.Tasks, 1)
	assert.Contains(t, result.Tasks[0].Description, "Implement: ")
}
