package codegen

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/lexer"
	"github.com/fuselang/fuse/pkg/parser"
	"github.com/fuselang/fuse/pkg/typecheck"
	"github.com/fuselang/fuse/pkg/util"
)

func lower(t *testing.T, src string) *ir.Module {
	t.Helper()
	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	toks := lexer.Tokenize([]rune(src), 0, cfg, rep)
	decls := parser.NewParser(toks, cfg, rep).Parse()
	typecheck.NewChecker(cfg, rep).Check(decls)
	if rep.HasErrors() {
		t.Fatalf("front end failed: %v", rep.Diagnostics())
	}
	mod := NewGenerator(cfg, rep).Generate("test", decls)
	if rep.HasErrors() {
		t.Fatalf("lowering failed: %v", rep.Diagnostics())
	}
	return mod
}

func TestLowerSquare(t *testing.T) {
	mod := lower(t, "fn main() -> u64 { let a: u64 = 12345; a * a }")
	want := `; module test
main:
	enter 16
	mov rax, 12345
	mov [rbp-8], rax
	mov rax, [rbp-8]
	push rax
	mov rax, [rbp-8]
	mov rcx, rax
	pop rax
	imul rax, rcx
	leave
	ret
`
	if diff := cmp.Diff(want, mod.Dump()); diff != "" {
		t.Errorf("lowering mismatch (-want +got):\n%s", diff)
	}
	if !mod.IsExported("main") {
		t.Error("function labels must be exported")
	}
}

func TestLowerParamsAndCall(t *testing.T) {
	mod := lower(t, `
		fn add(a: u64, b: u64) -> u64 { a + b }
		fn main() -> u64 { add(1, 2) }
	`)
	want := `; module test
add:
	enter 16
	mov [rbp-8], rdi
	mov [rbp-16], rsi
	mov rax, [rbp-8]
	push rax
	mov rax, [rbp-16]
	mov rcx, rax
	pop rax
	add rax, rcx
	leave
	ret
main:
	enter 0
	mov rax, 1
	push rax
	mov rax, 2
	push rax
	pop rsi
	pop rdi
	call add
	leave
	ret
`
	if diff := cmp.Diff(want, mod.Dump()); diff != "" {
		t.Errorf("lowering mismatch (-want +got):\n%s", diff)
	}
}

func TestLowerDivision(t *testing.T) {
	mod := lower(t, "fn f(a: u64, b: u64) -> u64 { a / b }")
	text := mod.Dump()
	for _, want := range []string{"mov rdx, 0", "div rcx"} {
		if !strings.Contains(text, want) {
			t.Errorf("unsigned division missing %q:\n%s", want, text)
		}
	}

	mod = lower(t, "fn g(a: i64, b: i64) -> i64 { a % b }")
	text = mod.Dump()
	for _, want := range []string{"cqo", "idiv rcx", "mov rax, rdx"} {
		if !strings.Contains(text, want) {
			t.Errorf("signed remainder missing %q:\n%s", want, text)
		}
	}
}

// Lowering the same declarations twice yields identical streams.
func TestDeterministic(t *testing.T) {
	const src = `
		fn mix(a: u64, b: u64) -> u64 {
			let x: u64 = a * 3;
			let y: u64 = b + x;
			y - a % 7
		}
	`
	first := lower(t, src).Dump()
	second := lower(t, src).Dump()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("nondeterministic lowering:\n%s", diff)
	}
}

func TestAsmPassThrough(t *testing.T) {
	mod := lower(t, `
		fn f() -> u64 {
			let a: u64 = 5;
			asm {
				mov rax, a;
				add rax, 1;
			}
			0
		}
	`)
	text := mod.Dump()
	// The binding name resolves to its frame slot.
	if !strings.Contains(text, "mov rax, [rbp-8]") {
		t.Errorf("asm operand did not resolve to a slot:\n%s", text)
	}
	if !strings.Contains(text, "add rax, 1") {
		t.Errorf("asm instruction lost:\n%s", text)
	}
}

func TestAsmLocalLabelNotExported(t *testing.T) {
	mod := lower(t, `
		fn f() -> u64 {
			asm {
				spin:
				jmp spin;
			}
			0
		}
	`)
	if !mod.IsExported("f") {
		t.Error("f should be exported")
	}
	if mod.IsExported("spin") {
		t.Error("asm labels must stay module local")
	}
}

func TestDataLowering(t *testing.T) {
	mod := lower(t, `data answer = 42; data name = "ab";`)
	if len(mod.Data) != 2 {
		t.Fatalf("want 2 data objects, got %d", len(mod.Data))
	}
	if mod.Data[0].Name != "answer" || mod.Data[0].Bytes[0] != 42 || len(mod.Data[0].Bytes) != 8 {
		t.Errorf("numeric datum = %+v", mod.Data[0])
	}
	if string(mod.Data[1].Bytes) != "ab\x00" {
		t.Errorf("string datum = %q", mod.Data[1].Bytes)
	}
}

