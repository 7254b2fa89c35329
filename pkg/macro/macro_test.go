package macro

import (
	"strings"
	"testing"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/lexer"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

func expand(t *testing.T, src string) ([]token.Token, *util.Reporter) {
	t.Helper()
	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	toks := lexer.Tokenize([]rune(src), 0, cfg, rep)
	if rep.HasErrors() {
		t.Fatalf("lex failed: %v", rep.Diagnostics())
	}
	return NewExpander(cfg, rep).Expand(toks), rep
}

func render(toks []token.Token) string {
	var parts []string
	for _, tok := range toks {
		if tok.Type == token.EOF {
			continue
		}
		parts = append(parts, tok.Text())
	}
	return strings.Join(parts, " ")
}

func TestSimpleExpansion(t *testing.T) {
	out, rep := expand(t, `
		macro twice(x) { x + x }
		fn main() -> u64 { twice!(21) }
	`)
	if rep.HasErrors() {
		t.Fatalf("unexpected errors: %v", rep.Diagnostics())
	}
	text := render(out)
	if strings.Contains(text, "macro") || strings.Contains(text, "twice") {
		t.Errorf("definition or invocation survived expansion: %s", text)
	}
	if !strings.Contains(text, "21 + 21") {
		t.Errorf("argument not substituted: %s", text)
	}
}

func TestNestedInvocation(t *testing.T) {
	out, rep := expand(t, `
		macro inc(x) { x + 1 }
		macro inc2(x) { inc!(inc!(x)) }
		fn main() -> u64 { inc2!(5) }
	`)
	if rep.HasErrors() {
		t.Fatalf("unexpected errors: %v", rep.Diagnostics())
	}
	if text := render(out); !strings.Contains(text, "5 + 1 + 1") {
		t.Errorf("nested expansion wrong: %s", text)
	}
}

// Names bound inside a macro body get invocation-unique spellings, so two
// expansions never collide with each other or with surrounding code.
func TestHygiene(t *testing.T) {
	out, rep := expand(t, `
		macro stash(v) { let tmp: u64 = v; }
		fn main() -> u64 {
			let tmp: u64 = 7;
			stash!(9)
			stash!(11)
			tmp
		}
	`)
	if rep.HasErrors() {
		t.Fatalf("unexpected errors: %v", rep.Diagnostics())
	}

	var bound []string
	for i, tok := range out {
		if tok.Type == token.Let && out[i+1].Type == token.Ident {
			bound = append(bound, out[i+1].Value)
		}
	}
	if len(bound) != 3 {
		t.Fatalf("want 3 let bindings, got %v", bound)
	}
	if bound[0] != "tmp" {
		t.Errorf("outer binding renamed to %q", bound[0])
	}
	if bound[1] == "tmp" || bound[2] == "tmp" || bound[1] == bound[2] {
		t.Errorf("expanded bindings not unique: %v", bound)
	}
}

func TestUndefinedMacro(t *testing.T) {
	_, rep := expand(t, "fn main() -> u64 { nosuch!(1) }")
	diags := rep.Diagnostics()
	if len(diags) == 0 || diags[0].Code != "undefined-macro" {
		t.Fatalf("want undefined-macro, got %v", diags)
	}
}

func TestArityMismatch(t *testing.T) {
	_, rep := expand(t, `
		macro pair(a, b) { a + b }
		fn main() -> u64 { pair!(1) }
	`)
	diags := rep.Diagnostics()
	if len(diags) == 0 || diags[0].Code != "arity-mismatch" {
		t.Fatalf("want arity-mismatch, got %v", diags)
	}
}

func TestDepthExceeded(t *testing.T) {
	_, rep := expand(t, `
		macro forever(x) { forever!(x) }
		fn main() -> u64 { forever!(1) }
	`)
	found := false
	for _, d := range rep.Diagnostics() {
		if d.Code == "depth-exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want depth-exceeded, got %v", rep.Diagnostics())
	}
}

func TestRedefinition(t *testing.T) {
	_, rep := expand(t, `
		macro m(x) { x }
		macro m(y) { y }
	`)
	diags := rep.Diagnostics()
	if len(diags) != 1 || diags[0].Code != "redefined" {
		t.Fatalf("want one redefined error, got %v", diags)
	}
}

func TestUnusedMacroWarning(t *testing.T) {
	cfg := config.NewConfig()
	cfg.SetWarning(config.WarnUnusedMacro, true)
	rep := util.NewReporter(cfg.ErrorCap)
	toks := lexer.Tokenize([]rune("macro dead(x) { x }"), 0, cfg, rep)
	NewExpander(cfg, rep).Expand(toks)
	diags := rep.Diagnostics()
	if len(diags) != 1 || diags[0].Code != "unused-macro" || diags[0].Severity != util.SevWarning {
		t.Fatalf("want one unused-macro warning, got %v", diags)
	}
}

func TestMacrosDisabled(t *testing.T) {
	cfg := config.NewConfig()
	cfg.SetFeature(config.FeatMacros, false)
	rep := util.NewReporter(cfg.ErrorCap)
	toks := lexer.Tokenize([]rune("macro m(x) { x }"), 0, cfg, rep)
	NewExpander(cfg, rep).Expand(toks)
	if !rep.HasErrors() {
		t.Fatal("want an error when macros are disabled")
	}
}
