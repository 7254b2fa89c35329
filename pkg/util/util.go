// Package util holds the diagnostic machinery shared by every compiler stage:
// source file records, a collecting Reporter, and caret-underlined rendering.
package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/fuselang/fuse/pkg/token"
)

// Stage identifies which part of the pipeline produced a diagnostic.
type Stage int

const (
	StageLex Stage = iota
	StageMacro
	StageParse
	StageType
	StageCodegen
	StageSymbol
	StageEncoding
	StageLink
)

func (s Stage) String() string {
	switch s {
	case StageLex:
		return "lex"
	case StageMacro:
		return "macro"
	case StageParse:
		return "parse"
	case StageType:
		return "type"
	case StageCodegen:
		return "codegen"
	case StageSymbol:
		return "symbol"
	case StageEncoding:
		return "encoding"
	case StageLink:
		return "link"
	}
	return "unknown"
}

type Severity int

const (
	SevWarning Severity = iota
	SevError
)

// Diagnostic is one collected error or warning. Code is a stable machine
// readable identifier ("duplicate-definition", "depth-exceeded", ...).
type Diagnostic struct {
	Stage    Stage
	Severity Severity
	Code     string
	Tok      token.Token
	Message  string
}

func (d Diagnostic) Error() string {
	filename, line, col := findFileAndLine(d.Tok)
	kind := "error"
	if d.Severity == SevWarning {
		kind = "warning"
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", filename, line, col, kind, d.Message)
}

// Reporter accumulates diagnostics for one pass. Errors past the cap are
// dropped (the build already failed; more noise helps nobody).
type Reporter struct {
	cap       int
	diags     []Diagnostic
	errCount  int
	Truncated bool
}

func NewReporter(cap int) *Reporter {
	if cap <= 0 {
		cap = 20
	}
	return &Reporter{cap: cap}
}

func (r *Reporter) Errorf(stage Stage, code string, tok token.Token, format string, args ...any) {
	if r.errCount >= r.cap {
		r.Truncated = true
		return
	}
	r.errCount++
	r.diags = append(r.diags, Diagnostic{
		Stage: stage, Severity: SevError, Code: code, Tok: tok,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *Reporter) Warnf(stage Stage, code string, tok token.Token, format string, args ...any) {
	r.diags = append(r.diags, Diagnostic{
		Stage: stage, Severity: SevWarning, Code: code, Tok: tok,
		Message: fmt.Sprintf(format, args...) + " [-W" + code + "]",
	})
}

func (r *Reporter) HasErrors() bool          { return r.errCount > 0 }
func (r *Reporter) Diagnostics() []Diagnostic { return r.diags }

// Merge appends another reporter's diagnostics, preserving their order.
func (r *Reporter) Merge(other *Reporter) {
	r.diags = append(r.diags, other.diags...)
	r.errCount += other.errCount
	r.Truncated = r.Truncated || other.Truncated
}

// SourceFileRecord tracks the name and content of a single source file.
type SourceFileRecord struct {
	Name    string
	Content []rune
}

var sourceFiles []SourceFileRecord

// SetSourceFiles stores the source code for all input files for rich error messages
func SetSourceFiles(files []SourceFileRecord) {
	sourceFiles = files
}

// findFileAndLine converts a global token to a file-specific location
func findFileAndLine(tok token.Token) (filename string, line, col int) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(sourceFiles) {
		return "unknown", tok.Line, tok.Column
	}
	return sourceFiles[tok.FileIndex].Name, tok.Line, tok.Column
}

const (
	cRed    = "\033[31m"
	cYellow = "\033[33m"
	cGreen  = "\033[32m"
	cNone   = "\033[0m"
)

// Render prints diagnostics with the source line and a caret under the
// offending token. Color is used only when w is a terminal.
func Render(w io.Writer, diags []Diagnostic) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	for _, d := range diags {
		renderOne(w, d, color)
	}
}

func renderOne(w io.Writer, d Diagnostic, color bool) {
	filename, line, col := findFileAndLine(d.Tok)
	kind, tint := "error", cRed
	if d.Severity == SevWarning {
		kind, tint = "warning", cYellow
	}
	if color {
		fmt.Fprintf(w, "%s:%d:%d: %s%s:%s %s\n", filename, line, col, tint, kind, cNone, d.Message)
	} else {
		fmt.Fprintf(w, "%s:%d:%d: %s: %s\n", filename, line, col, kind, d.Message)
	}
	printErrorLine(w, d.Tok, color)
}

// printErrorLine prints the source line and a caret indicating the error position
func printErrorLine(w io.Writer, tok token.Token, color bool) {
	if tok.FileIndex < 0 || tok.FileIndex >= len(sourceFiles) || tok.Line == 0 {
		return
	}

	content := sourceFiles[tok.FileIndex].Content
	lineNum := tok.Line
	lineStart := 0
	for i, r := range content {
		if lineNum <= 1 {
			break
		}
		if r == '\n' {
			lineNum--
			lineStart = i + 1
		}
	}

	lineEnd := len(content)
	for i := lineStart; i < len(content); i++ {
		if content[i] == '\n' {
			lineEnd = i
			break
		}
	}

	fmt.Fprintf(w, "  %s\n", string(content[lineStart:lineEnd]))

	caret := "^"
	if tok.Len > 1 {
		caret += strings.Repeat("~", tok.Len-1)
	}
	pad := tok.Column - 1
	if pad < 0 {
		pad = 0
	}
	if color {
		fmt.Fprintf(w, "  %s%s%s%s\n", strings.Repeat(" ", pad), cGreen, caret, cNone)
	} else {
		fmt.Fprintf(w, "  %s%s\n", strings.Repeat(" ", pad), caret)
	}
}
