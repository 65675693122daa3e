// Package security is the last agent gate before code reaches source
// control: a deterministic regex scan over the aggregated PR files.
// No LLM is involved; the gate must be reproducible.
package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/admadc/admadc/event"
)

type rule struct {
	name    string
	pattern *regexp.Regexp
}

// catalogue is the fixed set of named rules. Every violation references a
// rule name so blocks stay auditable.
var catalogue = []rule{
	// Hardcoded secrets and credentials.
	{"hardcoded_api_key", regexp.MustCompile(`(?i)(api_key|apikey)\s*=\s*["'][A-Za-z0-9_\-]{16,}["']`)},
	{"hardcoded_password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*=\s*["'][^"']{4,}["']`)},
	{"hardcoded_token", regexp.MustCompile(`(?i)(token|secret)\s*=\s*["'][A-Za-z0-9_\-]{16,}["']`)},

	// Dynamic code execution.
	{"dangerous_eval", regexp.MustCompile(`\beval\s*\(`)},
	{"dangerous_exec", regexp.MustCompile(`\bexec\s*\(`)},

	// Unsafe deserialization.
	{"pickle_deserialize", regexp.MustCompile(`\bpickle\.loads\s*\(`)},
	{"marshal_deserialize", regexp.MustCompile(`\bmarshal\.loads\s*\(`)},

	// Path traversal.
	{"path_traversal", regexp.MustCompile(`\.\./`)},

	// Shell injection.
	{"shell_injection_os", regexp.MustCompile(`\bos\.system\s*\(`)},
	{"shell_injection_subprocess", regexp.MustCompile(`\bsubprocess\.(call|Popen|run)\s*\(.*shell\s*=\s*True`)},

	// SQL injection, Python DB-API style.
	{"sql_injection_risk", regexp.MustCompile(`(?i)(execute|executemany)\s*\(\s*["'].*%s`)},

	// Java / Node shell execution.
	{"java_runtime_exec", regexp.MustCompile(`Runtime\.getRuntime\(\)\.exec\s*\(`)},
	{"java_processbuilder_exec", regexp.MustCompile(`new\s+ProcessBuilder\s*\(`)},
	{"node_child_process_exec", regexp.MustCompile(`child_process\.(exec|execSync)\s*\(`)},

	// Rough SQL string concatenation for Java / JS.
	{"sql_concat_plus", regexp.MustCompile(`(?i)("(SELECT|UPDATE|DELETE|INSERT)[^"]*"\s*\+\s*\w+)`)},

	// Debug modes left enabled.
	{"flask_debug_true", regexp.MustCompile(`\bapp\.run\([^)]*debug\s*=\s*True`)},
	{"django_debug_true", regexp.MustCompile(`\bDEBUG\s*=\s*True`)},

	// Overly permissive CORS.
	{"cors_allow_all_header", regexp.MustCompile(`Access-Control-Allow-Origin["'\]]*\s*[:=]\s*["']?\*`)},
	{"express_cors_all", regexp.MustCompile(`cors\(\s*\{\s*origin\s*:\s*["']\*["']`)},
}

// ScanResult is the outcome of one scan over a PR file set. Reasoning is the
// final pipeline conclusion shown on the approval card.
type ScanResult struct {
	Approved     bool
	Violations   []string
	FilesScanned int
	Reasoning    string
}

// Scan checks every non-empty file against the rule catalogue. Violations
// are ordered by (file_path, rule_name) so repeated scans of the same file
// set produce identical output.
func Scan(files []event.CodeGenerated) ScanResult {
	type hit struct {
		filePath string
		ruleName string
	}

	var hits []hit
	filesScanned := 0
	for _, f := range files {
		if f.Code == "" {
			continue
		}
		filesScanned++
		for _, r := range catalogue {
			if r.pattern.MatchString(f.Code) {
				hits = append(hits, hit{filePath: f.FilePath, ruleName: r.name})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].filePath != hits[j].filePath {
			return hits[i].filePath < hits[j].filePath
		}
		return hits[i].ruleName < hits[j].ruleName
	})

	violations := make([]string, 0, len(hits))
	for _, h := range hits {
		violations = append(violations, fmt.Sprintf("[%s] Rule '%s': pattern matched", h.filePath, h.ruleName))
	}

	approved := len(violations) == 0
	return ScanResult{
		Approved:     approved,
		Violations:   violations,
		FilesScanned: filesScanned,
		Reasoning:    pipelineConclusion(files, filesScanned, approved, violations),
	}
}

// pipelineConclusion is the last word from the agent pipeline: the dev+QA
// reasoning chain per file, then the security summary and verdict.
func pipelineConclusion(files []event.CodeGenerated, filesScanned int, approved bool, violations []string) string {
	var b strings.Builder
	b.WriteString("=== Pipeline Agent Chain ===\n\n")

	for _, f := range files {
		if f.Code == "" {
			continue
		}
		chain := strings.TrimSpace(f.Reasoning)
		if chain == "" {
			continue
		}
		b.WriteString("📄 ")
		b.WriteString(f.FilePath)
		b.WriteString("\n")
		for _, line := range strings.Split(chain, "\n") {
			b.WriteString("   ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("=== Security Analysis ===\n\n")
	fmt.Fprintf(&b,
		"Scanned %d file(s) against %d security rules (hardcoded secrets, dangerous functions, path traversal, shell/SQL injection).\n",
		filesScanned, len(catalogue))

	if approved {
		b.WriteString("\n✅ CONCLUSION: All files passed the full agent pipeline (Planning → Development → QA → Security). No violations found. Code is approved for human review and deployment.")
	} else {
		fmt.Fprintf(&b, "\n❌ CONCLUSION: %d security violation(s) detected. Deployment blocked pending remediation:", len(violations))
		for _, v := range violations {
			b.WriteString("\n   • ")
			b.WriteString(v)
		}
	}
	return b.String()
}
