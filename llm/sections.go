package llm

import "strings"

// Sections splits a strict-format LLM response into labelled blocks. Keys
// are matched at line starts as "KEY:"; everything until the next key (or
// end of input) belongs to the current block. Text before the first key is
// discarded. Matching is case-insensitive; returned values are trimmed.
func Sections(content string, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))

	upperKeys := make([]string, len(keys))
	for i, k := range keys {
		upperKeys[i] = strings.ToUpper(k) + ":"
	}

	var current string
	var buf strings.Builder

	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)

		matched := false
		for i, prefix := range upperKeys {
			if strings.HasPrefix(upper, prefix) {
				flush()
				current = keys[i]
				buf.WriteString(strings.TrimSpace(trimmed[len(prefix):]))
				buf.WriteString("\n")
				matched = true
				break
			}
		}
		if !matched && current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()

	return out
}

// ListItems parses a block of "- item" or bare lines into a string slice,
// dropping empties and the literal "none".
func ListItems(block string) []string {
	var items []string
	for _, line := range strings.Split(block, "\n") {
		item := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if item == "" || strings.EqualFold(item, "none") {
			continue
		}
		items = append(items, item)
	}
	return items
}
