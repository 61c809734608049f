// Package workspace owns the on-disk layout of generated artifacts: one
// source file per attempt under generated/, and published pages under
// pages/ named by sequence number.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type Workspace struct {
	dataDir string
}

func New(dataDir string) *Workspace {
	return &Workspace{dataDir: dataDir}
}

func (w *Workspace) GeneratedDir() string {
	return filepath.Join(w.dataDir, "generated")
}

func (w *Workspace) PagesDir() string {
	return filepath.Join(w.dataDir, "pages")
}

// AttemptPath is the deterministic location of one attempt's source.
func (w *Workspace) AttemptPath(taskID string, attempt int) string {
	return filepath.Join(w.GeneratedDir(), fmt.Sprintf("app_%s_attempt_%d.py", taskID, attempt))
}

func (w *Workspace) AttemptExists(taskID string, attempt int) bool {
	_, err := os.Stat(w.AttemptPath(taskID, attempt))
	return err == nil
}

func (w *Workspace) WriteAttempt(taskID string, attempt int, code string) (string, error) {
	if err := os.MkdirAll(w.GeneratedDir(), 0755); err != nil {
		return "", err
	}
	path := w.AttemptPath(taskID, attempt)
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return "", fmt.Errorf("failed to write attempt %d for task %s: %w", attempt, taskID, err)
	}
	return path, nil
}

func (w *Workspace) ReadAttempt(taskID string, attempt int) (string, error) {
	data, err := os.ReadFile(w.AttemptPath(taskID, attempt))
	if err != nil {
		return "", fmt.Errorf("failed to read attempt %d for task %s: %w", attempt, taskID, err)
	}
	return string(data), nil
}

// RemoveAttempts deletes every attempt file for a task.
func (w *Workspace) RemoveAttempts(taskID string, attempts int) {
	for i := 1; i <= attempts; i++ {
		os.Remove(w.AttemptPath(taskID, i))
	}
}

// PublishPage writes cleaned page code to pages/<seq>_<name>.py and returns
// the filename. Published pages live in the stable multi-page surface; the
// per-attempt source under generated/ is left untouched.
func (w *Workspace) PublishPage(seq int, displayName, code string) (string, error) {
	if err := os.MkdirAll(w.PagesDir(), 0755); err != nil {
		return "", err
	}
	filename := fmt.Sprintf("%d_%s.py", seq, sanitizeName(displayName))
	path := filepath.Join(w.PagesDir(), filename)
	if err := os.WriteFile(path, []byte(CleanPageCode(code)), 0644); err != nil {
		return "", fmt.Errorf("failed to publish page %s: %w", filename, err)
	}
	return filename, nil
}

func (w *Workspace) RemovePage(filename string) error {
	if filename == "" {
		return nil
	}
	err := os.Remove(filepath.Join(w.PagesDir(), filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeName(name string) string {
	if len(name) > 30 {
		name = name[:30]
	}
	cleaned := unsafeNameChars.ReplaceAllString(name, "_")
	if cleaned == "" {
		return "workflow"
	}
	return cleaned
}

// CleanPageCode adapts generated code to run as a page of a multi-page app:
// st.set_page_config blocks and if __name__ == "__main__" blocks are
// removed, since pages execute at module level.
func CleanPageCode(code string) string {
	lines := strings.Split(code, "\n")
	var cleaned []string

	inPageConfig := false
	inMainBlock := false
	mainIndent := 0

	for _, line := range lines {
		if strings.Contains(line, "st.set_page_config") {
			// single-line form closes on the same line
			rest := line[strings.Index(line, "st.set_page_config")+len("st.set_page_config"):]
			if !strings.Contains(rest, ")") {
				inPageConfig = true
			}
			continue
		}
		if inPageConfig {
			if strings.HasPrefix(strings.TrimSpace(line), ")") {
				inPageConfig = false
			}
			continue
		}

		if strings.Contains(line, "if __name__") && strings.Contains(line, "__main__") {
			inMainBlock = true
			mainIndent = indentOf(line)
			continue
		}
		if inMainBlock {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if indentOf(line) <= mainIndent {
				inMainBlock = false
			} else {
				continue
			}
		}

		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n")) + "\n"
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

var stopWords = map[string]bool{
	"the": true, "that": true, "this": true, "with": true,
}

// DisplayName derives a short workflow name from the task description,
// preferring the words right after "create".
func DisplayName(description string) string {
	words := strings.Fields(strings.ToLower(description))

	for i, w := range words {
		if w == "create" && i+1 < len(words) {
			var picked []string
			for _, cand := range words[i+1:min(i+4, len(words))] {
				if len(cand) > 3 {
					picked = append(picked, cand)
				}
			}
			if len(picked) > 0 {
				return truncateName(strings.Join(picked, "_"))
			}
		}
	}

	var meaningful []string
	for _, w := range words[:min(5, len(words))] {
		if len(w) > 3 && !stopWords[w] {
			meaningful = append(meaningful, w)
			if len(meaningful) == 3 {
				break
			}
		}
	}
	if len(meaningful) > 0 {
		return truncateName(strings.Join(meaningful, "_"))
	}
	return "workflow"
}

func truncateName(s string) string {
	if len(s) > 30 {
		return s[:30]
	}
	return s
}
