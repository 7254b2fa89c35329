// Package driver runs the whole pipeline: tokenize, expand macros, parse,
// check, and lower every module concurrently, then link the results in
// input order. Diagnostics from all passes come back in one list; any error
// anywhere suppresses the image.
package driver

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fuselang/fuse/pkg/asm"
	"github.com/fuselang/fuse/pkg/ast"
	"github.com/fuselang/fuse/pkg/codegen"
	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/image"
	"github.com/fuselang/fuse/pkg/ir"
	"github.com/fuselang/fuse/pkg/lexer"
	"github.com/fuselang/fuse/pkg/macro"
	"github.com/fuselang/fuse/pkg/parser"
	"github.com/fuselang/fuse/pkg/typecheck"
	"github.com/fuselang/fuse/pkg/util"
)

// Source is one input module.
type Source struct {
	Path string
	Text string
}

// frontResult is one module's front-end output. Each worker gets a private
// reporter so diagnostics never interleave across modules.
type frontResult struct {
	mod *ir.Module
	rep *util.Reporter
}

// Build compiles and links the given sources. The returned diagnostics are
// ordered by module, then by pass. On any error the image is nil.
func Build(sources []Source, cfg *config.Config) (*image.Image, []util.Diagnostic) {
	mods, rep := frontEnd(sources, cfg)
	if rep.HasErrors() {
		return nil, rep.Diagnostics()
	}

	// Back end: linking is inherently ordered and runs once.
	img := asm.Link(mods, cfg, rep)
	if rep.HasErrors() {
		return nil, rep.Diagnostics()
	}
	return img, rep.Diagnostics()
}

// Lower runs only the front end and returns the symbolic modules, one per
// source, in input order.
func Lower(sources []Source, cfg *config.Config) ([]*ir.Module, []util.Diagnostic) {
	mods, rep := frontEnd(sources, cfg)
	if rep.HasErrors() {
		return nil, rep.Diagnostics()
	}
	return mods, rep.Diagnostics()
}

// frontEnd compiles every module concurrently. Results land in input order
// regardless of completion order.
func frontEnd(sources []Source, cfg *config.Config) ([]*ir.Module, *util.Reporter) {
	records := make([]util.SourceFileRecord, len(sources))
	for i, src := range sources {
		records[i] = util.SourceFileRecord{Name: src.Path, Content: []rune(src.Text)}
	}
	util.SetSourceFiles(records)

	results := make([]frontResult, len(sources))
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = compileModule(i, sources[i], cfg)
		}(i)
	}
	wg.Wait()

	rep := util.NewReporter(cfg.ErrorCap * len(sources))
	mods := make([]*ir.Module, 0, len(sources))
	for _, res := range results {
		rep.Merge(res.rep)
		mods = append(mods, res.mod)
	}
	return mods, rep
}

// compileModule runs the per-module passes. Later passes are skipped once a
// pass has failed; their input would be garbage.
func compileModule(fileIndex int, src Source, cfg *config.Config) frontResult {
	rep := util.NewReporter(cfg.ErrorCap)
	name := moduleName(src.Path)

	tokens := lexer.Tokenize([]rune(src.Text), fileIndex, cfg, rep)
	if rep.HasErrors() {
		return frontResult{mod: ir.NewModule(name), rep: rep}
	}

	tokens = macro.NewExpander(cfg, rep).Expand(tokens)
	if rep.HasErrors() {
		return frontResult{mod: ir.NewModule(name), rep: rep}
	}

	decls := parser.NewParser(tokens, cfg, rep).Parse()
	if rep.HasErrors() {
		return frontResult{mod: ir.NewModule(name), rep: rep}
	}

	typecheck.NewChecker(cfg, rep).Check(decls)
	if rep.HasErrors() {
		return frontResult{mod: ir.NewModule(name), rep: rep}
	}

	for i, d := range decls {
		decls[i] = foldDecl(d)
	}
	mod := codegen.NewGenerator(cfg, rep).Generate(name, decls)
	return frontResult{mod: mod, rep: rep}
}

// foldDecl folds constant expressions inside a declaration.
func foldDecl(d *ast.Node) *ast.Node {
	if d.Type != ast.FnDecl {
		return d
	}
	fn := d.Data.(ast.FnDeclNode)
	fn.Body = foldBlock(fn.Body)
	d.Data = fn
	return d
}

func foldBlock(block *ast.Node) *ast.Node {
	b := block.Data.(ast.BlockNode)
	for i, stmt := range b.Stmts {
		switch stmt.Type {
		case ast.Let:
			let := stmt.Data.(ast.LetNode)
			let.Init = ast.FoldConstants(let.Init)
			stmt.Data = let
		case ast.Return:
			ret := stmt.Data.(ast.ReturnNode)
			ret.Expr = ast.FoldConstants(ret.Expr)
			stmt.Data = ret
		case ast.AsmBlock:
		default:
			b.Stmts[i] = ast.FoldConstants(stmt)
		}
	}
	b.TailExpr = ast.FoldConstants(b.TailExpr)
	block.Data = b
	return block
}

// moduleName derives a symbol-table-friendly module name from a path.
func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
