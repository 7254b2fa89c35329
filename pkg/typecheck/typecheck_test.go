package typecheck

import (
	"testing"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/lexer"
	"github.com/fuselang/fuse/pkg/parser"
	"github.com/fuselang/fuse/pkg/util"
)

func check(t *testing.T, src string) *util.Reporter {
	t.Helper()
	cfg := config.NewConfig()
	return checkWith(t, cfg, src)
}

func checkWith(t *testing.T, cfg *config.Config, src string) *util.Reporter {
	t.Helper()
	rep := util.NewReporter(cfg.ErrorCap)
	toks := lexer.Tokenize([]rune(src), 0, cfg, rep)
	decls := parser.NewParser(toks, cfg, rep).Parse()
	if rep.HasErrors() {
		t.Fatalf("front end failed before checking: %v", rep.Diagnostics())
	}
	NewChecker(cfg, rep).Check(decls)
	return rep
}

func wantCode(t *testing.T, rep *util.Reporter, code string) {
	t.Helper()
	for _, d := range rep.Diagnostics() {
		if d.Code == code {
			return
		}
	}
	t.Fatalf("want diagnostic %q, got %v", code, rep.Diagnostics())
}

func TestWellTyped(t *testing.T) {
	rep := check(t, `
		fn square(n: u64) -> u64 { n * n }
		fn main() -> u64 {
			let a: u64 = 12345;
			square(a)
		}
	`)
	if len(rep.Diagnostics()) != 0 {
		t.Fatalf("unexpected diagnostics: %v", rep.Diagnostics())
	}
}

func TestSuffixMismatch(t *testing.T) {
	rep := check(t, "fn f() -> u64 { let a: u32 = 1u64; 0 }")
	wantCode(t, rep, "type-mismatch")
}

func TestLiteralAdoptsContext(t *testing.T) {
	rep := check(t, "fn f() -> u32 { let a: u32 = 1; a + 2 }")
	if rep.HasErrors() {
		t.Fatalf("unsuffixed literals should adopt the context type: %v", rep.Diagnostics())
	}
}

func TestOutOfRangeLiteral(t *testing.T) {
	rep := check(t, "fn f() -> u64 { let a: u8 = 300; 0 }")
	wantCode(t, rep, "out-of-range")
}

func TestNegativeUnsigned(t *testing.T) {
	rep := check(t, "fn f() -> u64 { let a: u64 = -5; 0 }")
	wantCode(t, rep, "sign-mismatch")
}

func TestNegativeSignedOK(t *testing.T) {
	rep := check(t, "fn f() -> i64 { let a: i64 = -5; a }")
	if rep.HasErrors() {
		t.Fatalf("negating a signed value should be fine: %v", rep.Diagnostics())
	}
}

func TestUndefinedName(t *testing.T) {
	rep := check(t, "fn f() -> u64 { nowhere }")
	wantCode(t, rep, "undefined-name")
}

func TestCallArity(t *testing.T) {
	rep := check(t, `
		fn pair(a: u64, b: u64) -> u64 { a + b }
		fn main() -> u64 { pair(1) }
	`)
	wantCode(t, rep, "arity-mismatch")
}

// A callee defined in another module is unknown here; the linker settles it.
func TestUnknownCalleeAllowed(t *testing.T) {
	rep := check(t, "fn main() -> u64 { elsewhere(1) }")
	if rep.HasErrors() {
		t.Fatalf("cross-module calls must pass the checker: %v", rep.Diagnostics())
	}
}

func TestShadowWarning(t *testing.T) {
	rep := check(t, "fn f() -> u64 { let a: u64 = 1; let a: u64 = 2; a }")
	if rep.HasErrors() {
		t.Fatalf("shadowing is a warning, not an error: %v", rep.Diagnostics())
	}
	wantCode(t, rep, "shadow")
}

func TestMissingReturnWarning(t *testing.T) {
	rep := check(t, "fn f() -> u64 { let a: u64 = 1; }")
	if rep.HasErrors() {
		t.Fatalf("missing return is a warning, not an error: %v", rep.Diagnostics())
	}
	wantCode(t, rep, "missing-return")
}

func TestVoidTail(t *testing.T) {
	rep := check(t, "fn f() { 1 }")
	wantCode(t, rep, "void-value")
}

func TestReturnTypeMismatch(t *testing.T) {
	rep := check(t, "fn f() -> u32 { return 1u64; }")
	wantCode(t, rep, "type-mismatch")
}
