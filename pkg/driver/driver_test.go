package driver

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/util"
	"github.com/fuselang/fuse/pkg/vm"
)

func execute(t *testing.T, sources ...Source) uint64 {
	t.Helper()
	im, diags := Build(sources, config.NewConfig())
	if im == nil {
		t.Fatalf("build failed: %v", diags)
	}
	got, err := vm.New(im).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return got
}

func errorCodes(diags []util.Diagnostic) []string {
	var out []string
	for _, d := range diags {
		if d.Severity == util.SevError {
			out = append(out, d.Code)
		}
	}
	return out
}

func TestBuildAndRun(t *testing.T) {
	src := Source{Path: "main.fu", Text: `
fn main() -> u64 {
    let a: u64 = 12345;
    a * a
}
`}
	if got := execute(t, src); got != 152399025 {
		t.Errorf("got %d, want 152399025", got)
	}
}

func TestMultiModule(t *testing.T) {
	main := Source{Path: "main.fu", Text: `
fn main() -> u64 {
    square(6) + 1
}
`}
	lib := Source{Path: "lib.fu", Text: `
fn square(x: u64) -> u64 {
    x * x
}
`}
	if got := execute(t, main, lib); got != 37 {
		t.Errorf("got %d, want 37", got)
	}
}

func TestDeterministicBuilds(t *testing.T) {
	sources := []Source{
		{Path: "main.fu", Text: `
fn main() -> u64 {
    helper(2, 3)
}
`},
		{Path: "lib.fu", Text: `
fn helper(a: u64, b: u64) -> u64 {
    a * 10 + b
}
`},
	}
	a, diags := Build(sources, config.NewConfig())
	if a == nil {
		t.Fatalf("build failed: %v", diags)
	}
	b, _ := Build(sources, config.NewConfig())
	if a.Checksum() != b.Checksum() {
		t.Error("two builds of the same input produced different checksums")
	}
	if diff := cmp.Diff(a.Sections, b.Sections); diff != "" {
		t.Errorf("section mismatch between builds (-first +second):\n%s", diff)
	}
}

func TestMacroExpansionEndToEnd(t *testing.T) {
	src := Source{Path: "main.fu", Text: `
macro twice(e) {
    e + e
}

fn main() -> u64 {
    let v: u64 = 3;
    twice!(v) + 1
}
`}
	if got := execute(t, src); got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestMacroHygieneEndToEnd(t *testing.T) {
	// The macro's own binding must not capture or clobber the caller's.
	src := Source{Path: "main.fu", Text: `
macro stash(v) {
    let tmp: u64 = v;
}

fn main() -> u64 {
    let tmp: u64 = 5;
    stash!(9)
    tmp
}
`}
	if got := execute(t, src); got != 5 {
		t.Errorf("got %d, want 5 (macro binding leaked into caller scope)", got)
	}
}

func TestAsmBlockEndToEnd(t *testing.T) {
	src := Source{Path: "main.fu", Text: `
fn main() -> u64 {
    let x: u64 = 6;
    asm {
        mov rax, x;
        add rax, rax;
    }
}
`}
	if got := execute(t, src); got != 12 {
		t.Errorf("got %d, want 12", got)
	}
}

func TestCustomEntrySymbol(t *testing.T) {
	cfg := config.NewConfig()
	cfg.EntrySymbol = "start"
	im, diags := Build([]Source{{Path: "main.fu", Text: `
fn start() -> u64 {
    11
}
`}}, cfg)
	if im == nil {
		t.Fatalf("build failed: %v", diags)
	}
	got, err := vm.New(im).Run()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 11 {
		t.Errorf("got %d, want 11", got)
	}
}

func TestDuplicateMainAcrossModules(t *testing.T) {
	sources := []Source{
		{Path: "a.fu", Text: "fn main() -> u64 { 1 }\n"},
		{Path: "b.fu", Text: "fn main() -> u64 { 2 }\n"},
	}
	im, diags := Build(sources, config.NewConfig())
	if im != nil {
		t.Fatal("expected nil image")
	}
	codes := errorCodes(diags)
	if len(codes) == 0 || codes[0] != "duplicate-definition" {
		t.Errorf("codes = %v, want duplicate-definition", codes)
	}
}

func TestUnresolvedPerCallSite(t *testing.T) {
	src := Source{Path: "main.fu", Text: `
fn main() -> u64 {
    missing(1) + missing(2)
}
`}
	im, diags := Build([]Source{src}, config.NewConfig())
	if im != nil {
		t.Fatal("expected nil image")
	}
	n := 0
	for _, c := range errorCodes(diags) {
		if c == "unresolved" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("got %d unresolved diagnostics, want one per call site (2): %v", n, errorCodes(diags))
	}
}

func TestNoImageOnTypeError(t *testing.T) {
	src := Source{Path: "main.fu", Text: `
fn main() -> u64 {
    let a: u8 = 300;
    1
}
`}
	im, diags := Build([]Source{src}, config.NewConfig())
	if im != nil {
		t.Fatal("expected nil image")
	}
	codes := errorCodes(diags)
	if len(codes) != 1 || codes[0] != "out-of-range" {
		t.Errorf("codes = %v, want [out-of-range]", codes)
	}
}

func TestLowerDumpsModules(t *testing.T) {
	mods, diags := Lower([]Source{{Path: "main.fu", Text: "fn main() -> u64 { 4 }\n"}}, config.NewConfig())
	if mods == nil {
		t.Fatalf("lower failed: %v", diags)
	}
	if len(mods) != 1 || mods[0].Name != "main" {
		t.Fatalf("got %d modules, want main", len(mods))
	}
	dump := mods[0].Dump()
	for _, want := range []string{"main:", "mov rax, 4", "ret"} {
		if !containsLine(dump, want) {
			t.Errorf("dump missing %q:\n%s", want, dump)
		}
	}
}

func containsLine(dump, want string) bool {
	for _, line := range strings.Split(dump, "\n") {
		if strings.TrimPrefix(line, "\t") == want {
			return true
		}
	}
	return false
}
