// Package asm assembles symbolic modules into a placed executable image.
// Linking is fused into assembly: pass one encodes every module and builds
// the symbol table, pass two places sections and patches relocations.
package asm

import (
	"sort"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/image"
	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

type symbolDef struct {
	addr   uint64
	module string
	tok    token.Token
}

// moduleCode is one module after pass one: encoded text, data layout, label
// offsets, and the relocations still waiting for addresses.
type moduleCode struct {
	name       string
	text       []byte
	relocs     []relocation
	locals     map[string]uint64 // text-relative label offsets, module scope
	globals    map[string]uint64 // exported subset of locals
	dataOff    map[string]uint64 // data-relative offsets
	dataBytes  []byte
	labelToks  map[string]token.Token
	textStart  uint64
	dataStart  uint64
}

// Link assembles all modules, in the order given, into one image. Any
// diagnostic reported along the way suppresses the image entirely.
func Link(mods []*ir.Module, cfg *config.Config, rep *util.Reporter) *image.Image {
	codes := make([]*moduleCode, len(mods))
	for i, mod := range mods {
		codes[i] = assembleModule(mod, cfg, rep)
	}

	// Section placement. Text is the concatenation of every module's text in
	// module order; data follows the same rule on its own base address.
	var text, data []byte
	for _, mc := range codes {
		mc.textStart = cfg.TextBase + uint64(len(text))
		text = append(text, mc.text...)
	}
	textEnd := cfg.TextBase + uint64(len(text))

	dataBase := cfg.DataBase
	if dataBase == 0 {
		dataBase = alignUp(textEnd, cfg.PageAlign)
	}
	for _, mc := range codes {
		mc.dataStart = dataBase + uint64(len(data))
		data = append(data, mc.dataBytes...)
	}
	dataEnd := dataBase + uint64(len(data))

	if len(data) > 0 && dataBase < textEnd {
		rep.Errorf(util.StageLink, "section-overlap", token.Token{},
			"Data section at %#x overlaps the text section ending at %#x", dataBase, textEnd)
	}
	if end := max64(textEnd, dataEnd); end > cfg.AddressLimit {
		rep.Errorf(util.StageLink, "address-limit", token.Token{},
			"Image ends at %#x, beyond the address limit %#x", end, cfg.AddressLimit)
	}

	globals := collectGlobals(codes, rep)
	patch(codes, globals, text, cfg, rep)

	entry, ok := globals[cfg.EntrySymbol]
	if !ok {
		rep.Errorf(util.StageLink, "no-entry", token.Token{},
			"Entry symbol '%s' is not defined by any module", cfg.EntrySymbol)
	}

	if rep.HasErrors() {
		return nil
	}

	im := &image.Image{Entry: entry.addr}
	im.Sections = append(im.Sections, image.Section{Kind: image.Text, Addr: cfg.TextBase, Bytes: text})
	if len(data) > 0 {
		im.Sections = append(im.Sections, image.Section{Kind: image.Data, Addr: dataBase, Bytes: data})
	}
	return im
}

// assembleModule runs pass one for a single module: encode the text stream,
// record label offsets, and lay out the module's data objects.
func assembleModule(mod *ir.Module, cfg *config.Config, rep *util.Reporter) *moduleCode {
	mc := &moduleCode{
		name:      mod.Name,
		locals:    make(map[string]uint64),
		globals:   make(map[string]uint64),
		dataOff:   make(map[string]uint64),
		labelToks: make(map[string]token.Token),
	}

	enc := newEncoder(rep)
	for _, in := range mod.Text {
		if in.Op == ir.OpLabel {
			name := in.A.Sym
			if _, dup := mc.locals[name]; dup {
				rep.Errorf(util.StageSymbol, "duplicate-definition", in.Tok,
					"Symbol '%s' is defined more than once in module %s", name, mod.Name)
				continue
			}
			mc.locals[name] = uint64(len(enc.buf))
			mc.labelToks[name] = in.Tok
			if mod.IsExported(name) {
				mc.globals[name] = uint64(len(enc.buf))
			}
			continue
		}
		enc.encode(in)
	}
	mc.text = enc.buf
	mc.relocs = enc.relocs

	for _, d := range mod.Data {
		off := alignUp(uint64(len(mc.dataBytes)), cfg.DataAlign)
		for uint64(len(mc.dataBytes)) < off {
			mc.dataBytes = append(mc.dataBytes, 0)
		}
		if _, dup := mc.dataOff[d.Name]; dup {
			rep.Errorf(util.StageSymbol, "duplicate-definition", d.Tok,
				"Symbol '%s' is defined more than once in module %s", d.Name, mod.Name)
			continue
		}
		mc.dataOff[d.Name] = off
		mc.labelToks[d.Name] = d.Tok
		mc.dataBytes = append(mc.dataBytes, d.Bytes...)
	}
	return mc
}

// collectGlobals merges every module's exported symbols into one table,
// rejecting names defined by more than one module.
func collectGlobals(codes []*moduleCode, rep *util.Reporter) map[string]symbolDef {
	globals := make(map[string]symbolDef)
	for _, mc := range codes {
		for _, name := range sortedKeys(mc.globals) {
			if prev, dup := globals[name]; dup {
				rep.Errorf(util.StageSymbol, "duplicate-definition", mc.labelToks[name],
					"Symbol '%s' is already defined in module %s", name, prev.module)
				continue
			}
			globals[name] = symbolDef{addr: mc.textStart + mc.globals[name], module: mc.name, tok: mc.labelToks[name]}
		}
		for _, name := range sortedKeys(mc.dataOff) {
			if prev, dup := globals[name]; dup {
				rep.Errorf(util.StageSymbol, "duplicate-definition", mc.labelToks[name],
					"Symbol '%s' is already defined in module %s", name, prev.module)
				continue
			}
			globals[name] = symbolDef{addr: mc.dataStart + mc.dataOff[name], module: mc.name, tok: mc.labelToks[name]}
		}
	}
	return globals
}

// patch runs pass two: every relocation resolves against the module's local
// labels first, then the global table, and the resolved address is written
// into the concatenated text. Every site referencing a missing symbol gets
// its own diagnostic.
func patch(codes []*moduleCode, globals map[string]symbolDef, text []byte, cfg *config.Config, rep *util.Reporter) {
	for _, mc := range codes {
		for _, rel := range mc.relocs {
			var target uint64
			if off, ok := mc.locals[rel.sym]; ok {
				target = mc.textStart + off
			} else if def, ok := globals[rel.sym]; ok {
				target = def.addr
			} else {
				rep.Errorf(util.StageSymbol, "unresolved", rel.tok,
					"Reference to unresolved symbol '%s'", rel.sym)
				continue
			}

			fieldAddr := mc.textStart + uint64(rel.offset)
			fieldOff := fieldAddr - cfg.TextBase
			switch rel.kind {
			case relRel32:
				disp := int64(target) - int64(fieldAddr+4)
				if disp < -1<<31 || disp >= 1<<31 {
					rep.Errorf(util.StageEncoding, "operand-out-of-range", rel.tok,
						"Branch to '%s' is %d bytes away, beyond 32-bit reach", rel.sym, disp)
					continue
				}
				putU32(text[fieldOff:], uint32(disp))
			case relAbs64:
				putU64(text[fieldOff:], target)
			}
		}
	}
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putU64(b []byte, v uint64) {
	putU32(b, uint32(v))
	putU32(b[4:], uint32(v>>32))
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
