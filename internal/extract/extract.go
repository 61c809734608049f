// Package extract pulls runnable source out of raw model output. Model
// responses frequently wrap code in markdown fences and lead with
// conversational prose; Extract strips both. The function is pure and total:
// it never fails, and identical input always yields identical output.
package extract

import "strings"

// Extract returns the code embedded in raw model output. It takes the
// interior of the first fenced block when one exists, then drops leading
// lines until the first line that reads as code. Malformed input falls back
// to the trimmed raw text.
func Extract(raw string) string {
	text := fenceInterior(raw)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if looksLikeCode(line) {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}

	return strings.TrimSpace(text)
}

// fenceInterior returns the contents of the first fenced code block, or the
// whole text when no complete fence is present. A language tag on the
// opening fence line is discarded.
func fenceInterior(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return text
	}
	inner := rest[:end]

	// Drop a language tag such as "python" on the opening line.
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		first := strings.TrimSpace(inner[:nl])
		if first != "" && isLanguageTag(first) {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}

func isLanguageTag(s string) bool {
	if len(s) > 20 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// looksLikeCode reports whether a line starts real code rather than prose:
// an import, a comment, a docstring marker, or an assignment.
func looksLikeCode(line string) bool {
	t := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(t, `"""`), strings.HasPrefix(t, "'''"):
		return true
	case strings.HasPrefix(t, "import "), strings.HasPrefix(t, "from "):
		return true
	case strings.HasPrefix(t, "#"):
		return true
	case strings.Contains(t, "=") && !strings.HasPrefix(t, "Here"):
		return true
	}
	return false
}
