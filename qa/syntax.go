package qa

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// maxSyntaxFindings bounds how many parse errors one check reports.
const maxSyntaxFindings = 5

func languageFor(language string) *sitter.Language {
	switch strings.ToLower(language) {
	case "python":
		return python.GetLanguage()
	case "javascript", "js":
		return javascript.GetLanguage()
	default:
		return nil
	}
}

// CheckSyntax parses the code with tree-sitter and reports parse errors.
// Unsupported languages produce no findings; generated code in a language
// we cannot parse is left to the LLM review.
func CheckSyntax(ctx context.Context, code, language string) ([]string, error) {
	lang := languageFor(language)
	if lang == nil {
		return nil, nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(code))
	if err != nil {
		return nil, fmt.Errorf("parse %s code: %w", language, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}

	var findings []string
	collectSyntaxErrors(root, &findings)
	if len(findings) == 0 {
		findings = append(findings, "syntax error: tree contains parse errors")
	}
	return findings, nil
}

func collectSyntaxErrors(node *sitter.Node, findings *[]string) {
	if len(*findings) >= maxSyntaxFindings {
		return
	}
	if node.Type() == "ERROR" || node.IsMissing() {
		*findings = append(*findings, fmt.Sprintf("syntax error near line %d", node.StartPoint().Row+1))
		return
	}
	if !node.HasError() {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), findings)
	}
}
