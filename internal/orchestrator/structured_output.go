package orchestrator

import (
	"encoding/json"
	"strings"
)

// extractStructuredOutput attempts to parse text as the JSON object an
// OutputSchema-configured request expects (spec §9: "strip fences, pick the
// largest JSON object substring"). Returns nil, false if no plausible JSON
// object is found or schema is nil.
func extractStructuredOutput(text string, schema json.RawMessage) (json.RawMessage, bool) {
	if len(schema) == 0 {
		return nil, false
	}
	candidate := largestJSONObject(stripFences(text))
	if candidate == "" {
		return nil, false
	}
	var probe any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// stripFences removes markdown code-fence markers (```json ... ``` or
// ``` ... ```) so the remaining text can be scanned for a bare JSON object.
func stripFences(text string) string {
	var out strings.Builder
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

// largestJSONObject scans text for every balanced {...} span and returns
// the longest one, favoring the first of equal-length ties. Brace counting
// ignores braces inside string literals so embedded text content doesn't
// throw off the balance.
func largestJSONObject(text string) string {
	best := ""
	runes := []rune(text)
	n := len(runes)
	for i := 0; i < n; i++ {
		if runes[i] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < n; j++ {
			c := runes[j]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
			}
			if depth == 0 && c == '}' {
				candidate := string(runes[i : j+1])
				if len(candidate) > len(best) {
					best = candidate
				}
				break
			}
		}
	}
	return best
}
