// Package validate statically checks generated artifacts before anything
// executes them. Syntax is verified by parsing with tree-sitter; declared
// imports are probed for resolvability with a bounded interpreter call that
// never runs artifact logic.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

type Kind string

const (
	KindValid       Kind = "valid"
	KindEmpty       Kind = "empty"
	KindSyntaxError Kind = "syntax_error"
	KindImportError Kind = "import_error"
	KindTimeout     Kind = "timeout"
)

// Result is the outcome of validating one artifact. Warnings carry
// unresolved-import diagnostics when import checking is advisory.
type Result struct {
	Kind     Kind
	Detail   string
	Warnings []string
}

func (r Result) Valid() bool {
	return r.Kind == KindValid
}

// ExecRunner abstracts the interpreter subprocess used for import probing so
// tests can substitute a fake.
type ExecRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type Validator struct {
	timeout   time.Duration
	strict    bool
	pythonBin string
	runner    ExecRunner
}

// New builds a validator. When strict is false, unresolved imports are
// recorded as warnings and do not fail validation; when true they yield
// KindImportError.
func New(timeout time.Duration, strict bool, pythonBin string) *Validator {
	return &Validator{
		timeout:   timeout,
		strict:    strict,
		pythonBin: pythonBin,
		runner:    execRunner{},
	}
}

// Validate checks the artifact at path. The whole check runs under the
// configured wall-clock timeout; a hang is itself a failure (KindTimeout).
func (v *Validator) Validate(ctx context.Context, path string) Result {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	source, err := os.ReadFile(path)
	if err != nil {
		return Result{Kind: KindSyntaxError, Detail: fmt.Sprintf("failed to read artifact: %v", err)}
	}
	if len(strings.TrimSpace(string(source))) == 0 {
		return Result{Kind: KindEmpty, Detail: "artifact is empty"}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		if ctx.Err() != nil {
			return interruptedResult(ctx)
		}
		return Result{Kind: KindSyntaxError, Detail: fmt.Sprintf("parse failed: %v", err)}
	}
	defer tree.Close()

	if diags := collectErrors(tree.RootNode(), source); len(diags) > 0 {
		return Result{Kind: KindSyntaxError, Detail: formatDiagnostics(diags)}
	}

	warnings, err := v.probeImports(ctx, tree.RootNode(), source)
	if err != nil {
		// Only context errors escape the probe; an unavailable interpreter
		// surfaces per module as a warning instead.
		return interruptedResult(ctx)
	}
	if len(warnings) > 0 {
		if v.strict {
			return Result{Kind: KindImportError, Detail: strings.Join(warnings, "; ")}
		}
		slog.Warn("unresolved imports in artifact", "path", path, "warnings", warnings)
		return Result{Kind: KindValid, Warnings: warnings}
	}

	return Result{Kind: KindValid}
}

// interruptedResult maps a context error to a validation failure. A check
// that never finished must not read as a pass.
func interruptedResult(ctx context.Context) Result {
	if errors.Is(ctx.Err(), context.Canceled) {
		return Result{Kind: KindTimeout, Detail: "validation cancelled"}
	}
	return Result{Kind: KindTimeout, Detail: "validation timed out"}
}

type diagnostic struct {
	line, col int
	message   string
}

const maxDiagnostics = 10

// collectErrors walks the parse tree for ERROR and MISSING nodes.
func collectErrors(node *sitter.Node, source []byte) []diagnostic {
	var diags []diagnostic
	var walk func(n *sitter.Node, depth int)
	walk = func(n *sitter.Node, depth int) {
		if depth > 1000 || len(diags) >= maxDiagnostics {
			return
		}
		if n.IsError() || n.IsMissing() {
			point := n.StartPoint()
			msg := "syntax error"
			if n.IsMissing() {
				msg = fmt.Sprintf("missing %s", n.Type())
			} else if ctx := nodeText(n, source); ctx != "" {
				msg = fmt.Sprintf("unexpected: %s", ctx)
			}
			diags = append(diags, diagnostic{
				line:    int(point.Row) + 1,
				col:     int(point.Column),
				message: msg,
			})
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), depth+1)
		}
	}
	walk(node, 0)
	return diags
}

func nodeText(n *sitter.Node, source []byte) string {
	start, end := n.StartByte(), n.EndByte()
	if end > uint32(len(source)) {
		end = uint32(len(source))
	}
	if end <= start || end-start > 60 {
		return ""
	}
	return strings.TrimSpace(string(source[start:end]))
}

func formatDiagnostics(diags []diagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "found %d syntax error(s): ", len(diags))
	for i, d := range diags {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "line %d, col %d: %s", d.line, d.col, d.message)
	}
	return b.String()
}

// probeImports checks that every top-level imported module resolves in the
// current environment, without executing artifact logic. Each unresolved
// module produces one warning.
func (v *Validator) probeImports(ctx context.Context, root *sitter.Node, source []byte) ([]string, error) {
	modules := importedModules(root, source)

	var warnings []string
	for _, mod := range modules {
		script := fmt.Sprintf(
			"import importlib.util, sys; sys.exit(0 if importlib.util.find_spec(%q) else 1)", mod)
		out, err := v.runner.Run(ctx, v.pythonBin, "-c", script)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(out)
		if detail != "" {
			warnings = append(warnings, fmt.Sprintf("module %q not resolvable: %s", mod, detail))
		} else {
			warnings = append(warnings, fmt.Sprintf("module %q not resolvable", mod))
		}
	}
	return warnings, nil
}

// importedModules extracts the root package of every import statement.
// Relative imports are skipped; duplicates are collapsed, order preserved.
func importedModules(root *sitter.Node, source []byte) []string {
	seen := make(map[string]bool)
	var modules []string

	add := func(dotted string) {
		dotted = strings.TrimSpace(dotted)
		if dotted == "" || strings.HasPrefix(dotted, ".") {
			return
		}
		name, _, _ := strings.Cut(dotted, ".")
		if name != "" && !seen[name] {
			seen[name] = true
			modules = append(modules, name)
		}
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				switch child.Type() {
				case "dotted_name":
					add(child.Content(source))
				case "aliased_import":
					if name := child.ChildByFieldName("name"); name != nil {
						add(name.Content(source))
					}
				}
			}
		case "import_from_statement":
			if mod := n.ChildByFieldName("module_name"); mod != nil && mod.Type() == "dotted_name" {
				add(mod.Content(source))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return modules
}
