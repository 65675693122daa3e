package qa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/llm"
)

func TestStaticCheck(t *testing.T) {
	tests := []struct {
		name string
		code string
		hits int
	}{
		{"clean code", "def add(a, b):\n    return a + b\n", 0},
		{"eval", "result = eval(user_input)", 1},
		{"os.system", "import os\nos.system('rm -rf /')", 1},
		{"multiple", "eval(x)\nexec(y)\npickle.loads(z)", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, StaticCheck(tt.code), tt.hits)
		})
	}
}

func TestParseReviewPass(t *testing.T) {
	result := parseReview("REASONING: Looks correct and safe.\nVERDICT: PASS\nISSUES: none\n")
	assert.True(t, result.Passed)
	assert.Empty(t, result.Issues)
	assert.Equal(t, "Looks correct and safe.", result.Reasoning)
}

func TestParseReviewFailWithIssues(t *testing.T) {
	content := "REASONING: The error path is missing.\n" +
		"VERDICT: FAIL\n" +
		"ISSUES:\n- missing error handling\n- undefined variable x\n"

	result := parseReview(content)
	assert.False(t, result.Passed)
	assert.Equal(t, []string{"missing error handling", "undefined variable x"}, result.Issues)
}

func TestParseReviewFailWithoutIssues(t *testing.T) {
	result := parseReview("REASONING: bad\nVERDICT: FAIL\nISSUES: none\n")
	assert.False(t, result.Passed)
	assert.Equal(t, []string{"reviewer returned FAIL without specifics"}, result.Issues)
}

func TestParseReviewMissingVerdictFails(t *testing.T) {
	result := parseReview("REASONING: no verdict given")
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.Issues)
}

func TestReviewWithMock(t *testing.T) {
	result, usage, err := Review(context.Background(), llm.NewMockCompleter(), ReviewInput{
		Code:            "def main():\n    return 'ok'\n",
		FilePath:        "src/main.py",
		Language:        "python",
		TaskDescription: "Generate python code for src/main.py",
	})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.NotEmpty(t, result.Reasoning)
	assert.Positive(t, usage.PromptTokens)
}
