package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admadc/admadc/event"
)

func TestScanCleanFilesApproved(t *testing.T) {
	result := Scan([]event.CodeGenerated{
		{FilePath: "src/a.py", Code: "def add(a, b):\n    return a + b\n"},
		{FilePath: "src/b.py", Code: "VALUE = 42\n"},
	})

	assert.True(t, result.Approved)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 2, result.FilesScanned)
	assert.Contains(t, result.Reasoning, "✅ CONCLUSION")
}

func TestScanSkipsEmptyFiles(t *testing.T) {
	result := Scan([]event.CodeGenerated{
		{FilePath: "src/a.py", Code: ""},
		{FilePath: "src/b.py", Code: "x = 1\n"},
	})
	assert.Equal(t, 1, result.FilesScanned)
}

func TestScanDetectsRules(t *testing.T) {
	tests := []struct {
		name string
		code string
		rule string
	}{
		{"api key", `api_key = "sk_live_abcdefgh12345678"`, "hardcoded_api_key"},
		{"password", `password = "hunter2025"`, "hardcoded_password"},
		{"token", `SECRET = "abcdefghijklmnop1234"`, "hardcoded_token"},
		{"eval", "result = eval(user_input)", "dangerous_eval"},
		{"exec", "exec(payload)", "dangerous_exec"},
		{"pickle", "obj = pickle.loads(data)", "pickle_deserialize"},
		{"path traversal", `open("../../etc/passwd")`, "path_traversal"},
		{"os.system", `os.system("rm -rf /tmp/x")`, "shell_injection_os"},
		{"subprocess shell", `subprocess.run(cmd, shell=True)`, "shell_injection_subprocess"},
		{"sql format", `cursor.execute("SELECT * FROM users WHERE id = %s" % uid)`, "sql_injection_risk"},
		{"java runtime", `Runtime.getRuntime().exec(cmd);`, "java_runtime_exec"},
		{"processbuilder", `new ProcessBuilder("sh", "-c", cmd);`, "java_processbuilder_exec"},
		{"node exec", `child_process.execSync(cmd)`, "node_child_process_exec"},
		{"sql concat", `query = "SELECT * FROM t WHERE id=" + userId;`, "sql_concat_plus"},
		{"flask debug", `app.run(host="0.0.0.0", debug=True)`, "flask_debug_true"},
		{"django debug", `DEBUG = True`, "django_debug_true"},
		{"cors header", `response.headers["Access-Control-Allow-Origin"] = "*"`, "cors_allow_all_header"},
		{"express cors", `app.use(cors({ origin: "*" }))`, "express_cors_all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Scan([]event.CodeGenerated{{FilePath: "src/x.py", Code: tt.code}})
			assert.False(t, result.Approved)
			require.NotEmpty(t, result.Violations)
			assert.Contains(t, result.Violations[0], tt.rule)
		})
	}
}

func TestScanViolationOrdering(t *testing.T) {
	files := []event.CodeGenerated{
		{FilePath: "src/z.py", Code: "eval(x)\n"},
		{FilePath: "src/a.py", Code: "os.system('ls')\npickle.loads(d)\n"},
	}

	first := Scan(files)
	second := Scan([]event.CodeGenerated{files[1], files[0]})

	expected := []string{
		"[src/a.py] Rule 'pickle_deserialize': pattern matched",
		"[src/a.py] Rule 'shell_injection_os': pattern matched",
		"[src/z.py] Rule 'dangerous_eval': pattern matched",
	}
	assert.Equal(t, expected, first.Violations)
	assert.Equal(t, expected, second.Violations, "ordering is independent of file order")
}

func TestConclusionIncludesReasoningChain(t *testing.T) {
	result := Scan([]event.CodeGenerated{{
		FilePath:  "src/login.py",
		Code:      "def login():\n    pass\n",
		Reasoning: "[Developer] kept it simple\n[QA Reviewer] verified the flow",
	}})

	assert.Contains(t, result.Reasoning, "=== Pipeline Agent Chain ===")
	assert.Contains(t, result.Reasoning, "📄 src/login.py")
	assert.Contains(t, result.Reasoning, "   [Developer] kept it simple")
	assert.Contains(t, result.Reasoning, "   [QA Reviewer] verified the flow")
	assert.Contains(t, result.Reasoning, "=== Security Analysis ===")
}

func TestConclusionListsViolations(t *testing.T) {
	result := Scan([]event.CodeGenerated{{FilePath: "src/x.py", Code: "eval(x)"}})

	assert.Contains(t, result.Reasoning, "❌ CONCLUSION: 1 security violation(s) detected.")
	assert.Contains(t, result.Reasoning, "• [src/x.py] Rule 'dangerous_eval': pattern matched")
}
