package asm

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

func encodeOne(t *testing.T, in ir.Instruction) ([]byte, *util.Reporter) {
	t.Helper()
	rep := util.NewReporter(20)
	enc := newEncoder(rep)
	enc.encode(in)
	return enc.buf, rep
}

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		in   ir.Instruction
		want string
	}{
		{"mov rax imm64", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 8), B: ir.Imm(12345, 8)}, "48b83930000000000000"},
		{"mov eax imm32", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 4), B: ir.Imm(1, 4)}, "b801000000"},
		{"mov cx imm16", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RCX, 2), B: ir.Imm(1, 2)}, "66b90100"},
		{"mov cl imm8", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RCX, 1), B: ir.Imm(1, 1)}, "b101"},
		{"mov r9 imm64", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.R9, 8), B: ir.Imm(1, 8)}, "49b90100000000000000"},
		{"mov rcx rax", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RCX, 8), B: ir.Reg(ir.RAX, 8)}, "4889c1"},
		{"mov slot rax", ir.Instruction{Op: ir.OpMov, A: ir.Mem(ir.RBP, -8, 8), B: ir.Reg(ir.RAX, 8)}, "488985f8ffffff"},
		{"mov rax slot", ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 8), B: ir.Mem(ir.RBP, -8, 8)}, "488b85f8ffffff"},
		{"mov rsp-based", ir.Instruction{Op: ir.OpMov, A: ir.Mem(ir.RSP, 8, 8), B: ir.Reg(ir.RAX, 8)}, "4889842408000000"},
		{"add rax rcx", ir.Instruction{Op: ir.OpAdd, A: ir.Reg(ir.RAX, 8), B: ir.Reg(ir.RCX, 8)}, "4801c8"},
		{"add rax imm", ir.Instruction{Op: ir.OpAdd, A: ir.Reg(ir.RAX, 8), B: ir.Imm(32, 8)}, "4881c020000000"},
		{"sub rsp imm", ir.Instruction{Op: ir.OpSub, A: ir.Reg(ir.RSP, 8), B: ir.Imm(32, 8)}, "4881ec20000000"},
		{"cmp rax rcx", ir.Instruction{Op: ir.OpCmp, A: ir.Reg(ir.RAX, 8), B: ir.Reg(ir.RCX, 8)}, "4839c8"},
		{"imul rax rcx", ir.Instruction{Op: ir.OpImul, A: ir.Reg(ir.RAX, 8), B: ir.Reg(ir.RCX, 8)}, "480fafc1"},
		{"neg rax", ir.Instruction{Op: ir.OpNeg, A: ir.Reg(ir.RAX, 8)}, "48f7d8"},
		{"div rcx", ir.Instruction{Op: ir.OpDiv, A: ir.Reg(ir.RCX, 8)}, "48f7f1"},
		{"idiv rcx", ir.Instruction{Op: ir.OpIdiv, A: ir.Reg(ir.RCX, 8)}, "48f7f9"},
		{"cqo", ir.Instruction{Op: ir.OpCqo}, "4899"},
		{"movzx rax cl", ir.Instruction{Op: ir.OpMovzx, A: ir.Reg(ir.RAX, 8), B: ir.Reg(ir.RCX, 1)}, "480fb6c1"},
		{"push rax", ir.Instruction{Op: ir.OpPush, A: ir.Reg(ir.RAX, 8)}, "50"},
		{"push r9", ir.Instruction{Op: ir.OpPush, A: ir.Reg(ir.R9, 8)}, "4151"},
		{"pop rcx", ir.Instruction{Op: ir.OpPop, A: ir.Reg(ir.RCX, 8)}, "59"},
		{"ret", ir.Instruction{Op: ir.OpRet}, "c3"},
		{"leave", ir.Instruction{Op: ir.OpLeave}, "c9"},
		{"nop", ir.Instruction{Op: ir.OpNop}, "90"},
		{"enter", ir.Instruction{Op: ir.OpEnter, A: ir.Imm(16, 8)}, "554889e54881ec10000000"},
	}
	for _, tt := range tests {
		got, rep := encodeOne(t, tt.in)
		if rep.HasErrors() {
			t.Errorf("%s: unexpected errors: %v", tt.name, rep.Diagnostics())
			continue
		}
		if hex.EncodeToString(got) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, hex.EncodeToString(got), tt.want)
		}
	}
}

func codesOf(rep *util.Reporter) []string {
	var out []string
	for _, d := range rep.Diagnostics() {
		out = append(out, d.Code)
	}
	return out
}

func hasCode(rep *util.Reporter, code string) bool {
	for _, c := range codesOf(rep) {
		if c == code {
			return true
		}
	}
	return false
}

func TestLinkTwoModules(t *testing.T) {
	main := ir.NewModule("main")
	main.Label("main", true, token.Token{})
	main.Emit(ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 8), B: ir.Sym("greeting")})
	main.Emit(ir.Instruction{Op: ir.OpCall, A: ir.Sym("square")})
	main.Emit(ir.Instruction{Op: ir.OpRet})

	lib := ir.NewModule("lib")
	lib.Label("square", true, token.Token{})
	lib.Emit(ir.Instruction{Op: ir.OpRet})
	lib.Data = append(lib.Data, ir.Datum{Name: "greeting", Global: true, Bytes: []byte("hi\x00")})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	im := Link([]*ir.Module{main, lib}, cfg, rep)
	if im == nil {
		t.Fatalf("link failed: %v", rep.Diagnostics())
	}
	if im.Entry != cfg.TextBase {
		t.Errorf("entry = %#x, want %#x", im.Entry, cfg.TextBase)
	}
	if len(im.Sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(im.Sections))
	}

	text := im.Sections[0]
	if text.Addr != cfg.TextBase || len(text.Bytes) != 17 {
		t.Fatalf("text at %#x len %d, want %#x len 17", text.Addr, len(text.Bytes), cfg.TextBase)
	}
	// mov rax, greeting carries the data symbol's absolute address.
	wantData := cfg.TextBase&^0xFFF + 0x1000
	if got := binary.LittleEndian.Uint64(text.Bytes[2:10]); got != wantData {
		t.Errorf("greeting address = %#x, want %#x", got, wantData)
	}
	// square sits right after main's 16 bytes of text, so the call
	// displacement from the end of its field is 1.
	if got := binary.LittleEndian.Uint32(text.Bytes[11:15]); got != 1 {
		t.Errorf("call displacement = %d, want 1", got)
	}

	data := im.Sections[1]
	if data.Addr != wantData {
		t.Errorf("data at %#x, want %#x", data.Addr, wantData)
	}
	if diff := cmp.Diff([]byte("hi\x00"), data.Bytes); diff != "" {
		t.Errorf("data bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkLocalLabelShadowsGlobal(t *testing.T) {
	// A module-local label wins over another module's export of the same
	// name, so the jmp displacement here is zero.
	a := ir.NewModule("a")
	a.Label("main", true, token.Token{})
	a.Emit(ir.Instruction{Op: ir.OpJmp, A: ir.Sym("done")})
	a.Label("done", false, token.Token{})
	a.Emit(ir.Instruction{Op: ir.OpRet})

	b := ir.NewModule("b")
	b.Label("done", true, token.Token{})
	b.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	im := Link([]*ir.Module{a, b}, cfg, rep)
	if im == nil {
		t.Fatalf("link failed: %v", rep.Diagnostics())
	}
	if got := binary.LittleEndian.Uint32(im.Sections[0].Bytes[1:5]); got != 0 {
		t.Errorf("jmp displacement = %d, want 0 (local label)", got)
	}
}

func TestLinkDuplicateWithinModule(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("main", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpRet})
	m.Label("main", true, token.Token{})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "duplicate-definition") {
		t.Errorf("codes = %v, want duplicate-definition", codesOf(rep))
	}
}

func TestLinkDuplicateAcrossModules(t *testing.T) {
	a := ir.NewModule("a")
	a.Label("main", true, token.Token{})
	a.Emit(ir.Instruction{Op: ir.OpRet})
	b := ir.NewModule("b")
	b.Label("main", true, token.Token{})
	b.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{a, b}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "duplicate-definition") {
		t.Errorf("codes = %v, want duplicate-definition", codesOf(rep))
	}
}

func TestLinkUnresolvedPerSite(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("main", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpCall, A: ir.Sym("missing")})
	m.Emit(ir.Instruction{Op: ir.OpCall, A: ir.Sym("missing")})
	m.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	n := 0
	for _, c := range codesOf(rep) {
		if c == "unresolved" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("got %d unresolved diagnostics, want one per site (2): %v", n, codesOf(rep))
	}
}

func TestLinkNoEntry(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("helper", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "no-entry") {
		t.Errorf("codes = %v, want no-entry", codesOf(rep))
	}
}

func TestLinkSectionOverlap(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("main", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpRet})
	m.Data = append(m.Data, ir.Datum{Name: "x", Bytes: []byte{1}})

	cfg := config.NewConfig()
	cfg.DataBase = cfg.TextBase
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "section-overlap") {
		t.Errorf("codes = %v, want section-overlap", codesOf(rep))
	}
}

func TestLinkAddressLimit(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("main", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 8), B: ir.Imm(7, 8)})
	m.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	cfg.AddressLimit = cfg.TextBase + 4
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "address-limit") {
		t.Errorf("codes = %v, want address-limit", codesOf(rep))
	}
}

func TestLinkImmediateOutOfRange(t *testing.T) {
	m := ir.NewModule("m")
	m.Label("main", true, token.Token{})
	m.Emit(ir.Instruction{Op: ir.OpMov, A: ir.Reg(ir.RAX, 4), B: ir.Imm(0x1_FFFF_FFFF, 4)})
	m.Emit(ir.Instruction{Op: ir.OpRet})

	cfg := config.NewConfig()
	rep := util.NewReporter(cfg.ErrorCap)
	if im := Link([]*ir.Module{m}, cfg, rep); im != nil {
		t.Fatal("expected nil image")
	}
	if !hasCode(rep, "operand-out-of-range") {
		t.Errorf("codes = %v, want operand-out-of-range", codesOf(rep))
	}
}

func TestPatchBranchReach(t *testing.T) {
	cfg := config.NewConfig()
	mc := &moduleCode{
		name:      "m",
		textStart: cfg.TextBase,
		locals:    map[string]uint64{},
		relocs:    []relocation{{kind: relRel32, offset: 1, sym: "far"}},
	}
	globals := map[string]symbolDef{
		"far": {addr: cfg.TextBase + 1<<31 + 16, module: "other"},
	}
	text := make([]byte, 8)
	rep := util.NewReporter(cfg.ErrorCap)
	patch([]*moduleCode{mc}, globals, text, cfg, rep)
	if !hasCode(rep, "operand-out-of-range") {
		t.Errorf("codes = %v, want operand-out-of-range", codesOf(rep))
	}
}
