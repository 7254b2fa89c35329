package macro

import (
	"fmt"

	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/token"
	"github.com/fuselang/fuse/pkg/util"
)

// Definition is one `macro name(params) { body }` form, captured as raw
// tokens before parsing.
type Definition struct {
	Name   string
	Params []string
	Body   []token.Token
	Tok    token.Token
}

// Expander collects macro definitions from a token stream and rewrites every
// `name!(args)` invocation into the definition body. Bound names inside a
// body (let bindings, asm labels) are renamed per invocation so expansions
// never capture or collide with surrounding code.
type Expander struct {
	cfg     *config.Config
	rep     *util.Reporter
	defs    map[string]*Definition
	defined []string
	used    map[string]bool
	counter int
}

func NewExpander(cfg *config.Config, rep *util.Reporter) *Expander {
	return &Expander{
		cfg:  cfg,
		rep:  rep,
		defs: make(map[string]*Definition),
		used: make(map[string]bool),
	}
}

func (e *Expander) errorf(code string, tok token.Token, format string, args ...any) {
	e.rep.Errorf(util.StageMacro, code, tok, format, args...)
}

// Expand strips macro definitions out of the stream and rewrites all
// invocations. Expansion repeats until the stream is invocation-free; a
// stream still changing after cfg.MacroDepth rounds is reported as runaway
// recursion.
func (e *Expander) Expand(tokens []token.Token) []token.Token {
	out := e.collectDefinitions(tokens)
	for depth := 0; ; depth++ {
		expanded, changed := e.expandOnce(out)
		out = expanded
		if !changed {
			break
		}
		if depth >= e.cfg.MacroDepth {
			e.errorf("depth-exceeded", lastInvocationTok(out, tokens),
				"Macro expansion exceeded the depth limit of %d; recursive macro?", e.cfg.MacroDepth)
			break
		}
	}
	e.warnUnused()
	return out
}

func lastInvocationTok(out, orig []token.Token) token.Token {
	for i := 0; i+1 < len(out); i++ {
		if out[i].Type == token.Ident && out[i+1].Type == token.Bang {
			return out[i]
		}
	}
	if len(orig) > 0 {
		return orig[0]
	}
	return token.Token{Type: token.EOF}
}

// collectDefinitions removes `macro ... { ... }` forms from the stream and
// records them. Definitions only appear at nesting depth zero.
func (e *Expander) collectDefinitions(tokens []token.Token) []token.Token {
	var out []token.Token
	depth := 0
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Type {
		case token.LBrace:
			depth++
		case token.RBrace:
			depth--
		case token.Macro:
			if depth != 0 {
				e.errorf("nested-definition", tok, "Macro definitions are only allowed at the top level")
				continue
			}
			if !e.cfg.IsFeatureEnabled(config.FeatMacros) {
				e.errorf("feature-disabled", tok, "Macros are forbidden by the current feature set (-Fno-macros)")
			}
			next, def := e.parseDefinition(tokens, i)
			i = next - 1
			if def == nil {
				continue
			}
			if prev, dup := e.defs[def.Name]; dup {
				e.errorf("redefined", def.Tok, "Macro '%s' is already defined at line %d", def.Name, prev.Tok.Line)
				continue
			}
			e.defs[def.Name] = def
			e.defined = append(e.defined, def.Name)
			continue
		}
		out = append(out, tok)
	}
	return out
}

// parseDefinition consumes one definition starting at tokens[i] (the `macro`
// keyword) and returns the index just past it.
func (e *Expander) parseDefinition(tokens []token.Token, i int) (int, *Definition) {
	i++ // macro
	if i >= len(tokens) || tokens[i].Type != token.Ident {
		e.errorf("malformed", at(tokens, i), "Expected macro name after 'macro'")
		return skipToBalance(tokens, i), nil
	}
	def := &Definition{Name: tokens[i].Value, Tok: tokens[i]}
	i++
	if i >= len(tokens) || tokens[i].Type != token.LParen {
		e.errorf("malformed", at(tokens, i), "Expected '(' after macro name")
		return skipToBalance(tokens, i), nil
	}
	i++
	for i < len(tokens) && tokens[i].Type != token.RParen {
		if tokens[i].Type != token.Ident {
			e.errorf("malformed", tokens[i], "Expected parameter name in macro definition")
			return skipToBalance(tokens, i), nil
		}
		def.Params = append(def.Params, tokens[i].Value)
		i++
		if i < len(tokens) && tokens[i].Type == token.Comma {
			i++
		}
	}
	if i >= len(tokens) {
		e.errorf("malformed", at(tokens, i), "Unterminated macro parameter list")
		return len(tokens), nil
	}
	i++ // )
	if i >= len(tokens) || tokens[i].Type != token.LBrace {
		e.errorf("malformed", at(tokens, i), "Expected '{' to start macro body")
		return skipToBalance(tokens, i), nil
	}
	i++
	depth := 1
	for i < len(tokens) {
		switch tokens[i].Type {
		case token.LBrace:
			depth++
		case token.RBrace:
			depth--
			if depth == 0 {
				return i + 1, def
			}
		case token.EOF:
			e.errorf("malformed", tokens[i], "Unterminated macro body for '%s'", def.Name)
			return i, nil
		}
		def.Body = append(def.Body, tokens[i])
		i++
	}
	return i, nil
}

func at(tokens []token.Token, i int) token.Token {
	if i < len(tokens) {
		return tokens[i]
	}
	if len(tokens) > 0 {
		return tokens[len(tokens)-1]
	}
	return token.Token{Type: token.EOF}
}

// skipToBalance advances past a malformed definition so one bad macro does
// not cascade into spurious errors for the rest of the file.
func skipToBalance(tokens []token.Token, i int) int {
	depth := 0
	for ; i < len(tokens); i++ {
		switch tokens[i].Type {
		case token.LBrace:
			depth++
		case token.RBrace:
			depth--
			if depth <= 0 {
				return i + 1
			}
		case token.EOF:
			return i
		}
	}
	return i
}

// expandOnce rewrites every invocation currently in the stream. Invocations
// produced by the substitution itself are handled by the next round.
func (e *Expander) expandOnce(tokens []token.Token) ([]token.Token, bool) {
	var out []token.Token
	changed := false
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != token.Ident || i+1 >= len(tokens) || tokens[i+1].Type != token.Bang {
			out = append(out, tok)
			continue
		}
		def, known := e.defs[tok.Value]
		if !known {
			e.errorf("undefined-macro", tok, "Invocation of undefined macro '%s'", tok.Value)
			i = skipInvocation(tokens, i)
			changed = true
			continue
		}
		if !e.cfg.IsFeatureEnabled(config.FeatMacros) {
			e.errorf("feature-disabled", tok, "Macros are forbidden by the current feature set (-Fno-macros)")
			i = skipInvocation(tokens, i)
			continue
		}
		args, next, ok := splitArgs(tokens, i+2)
		if !ok {
			e.errorf("malformed", tok, "Malformed invocation of macro '%s'", tok.Value)
			out = append(out, tok)
			continue
		}
		if len(args) != len(def.Params) {
			e.errorf("arity-mismatch", tok, "Macro '%s' takes %d argument(s), got %d",
				def.Name, len(def.Params), len(args))
			i = next - 1
			changed = true
			continue
		}
		e.used[def.Name] = true
		e.counter++
		out = append(out, e.substitute(def, args)...)
		i = next - 1
		changed = true
	}
	return out, changed
}

// skipInvocation consumes `name!(...)` with balanced parens so a failed
// invocation leaves no stray tokens behind.
func skipInvocation(tokens []token.Token, i int) int {
	i += 2 // name !
	if i >= len(tokens) || tokens[i].Type != token.LParen {
		return i - 1
	}
	depth := 0
	for ; i < len(tokens); i++ {
		switch tokens[i].Type {
		case token.LParen:
			depth++
		case token.RParen:
			depth--
			if depth == 0 {
				return i
			}
		case token.EOF:
			return i - 1
		}
	}
	return len(tokens) - 1
}

// splitArgs parses `( a, b, c )` starting at the LParen, splitting at commas
// that sit outside any nested bracketing. Returns the index just past the
// closing paren.
func splitArgs(tokens []token.Token, i int) ([][]token.Token, int, bool) {
	if i >= len(tokens) || tokens[i].Type != token.LParen {
		return nil, i, false
	}
	i++
	var args [][]token.Token
	var cur []token.Token
	depth := 0
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Type {
		case token.LParen, token.LBrace, token.LBracket:
			depth++
		case token.RParen:
			if depth == 0 {
				if len(cur) > 0 || len(args) > 0 {
					args = append(args, cur)
				}
				return args, i + 1, true
			}
			depth--
		case token.RBrace, token.RBracket:
			depth--
		case token.Comma:
			if depth == 0 {
				args = append(args, cur)
				cur = nil
				continue
			}
		case token.EOF:
			return nil, i, false
		}
		cur = append(cur, tok)
	}
	return nil, i, false
}

// substitute produces the expansion body for one invocation: parameters are
// replaced by the argument token slices, and every name bound inside the body
// gets an invocation-unique suffix.
func (e *Expander) substitute(def *Definition, args [][]token.Token) []token.Token {
	paramOf := make(map[string]int, len(def.Params))
	for idx, p := range def.Params {
		paramOf[p] = idx
	}
	renamed := bindingsOf(def.Body, paramOf)

	var out []token.Token
	for _, tok := range def.Body {
		if tok.Type == token.Ident {
			if idx, isParam := paramOf[tok.Value]; isParam {
				out = append(out, args[idx]...)
				continue
			}
			if renamed[tok.Value] {
				fresh := tok
				fresh.Value = fmt.Sprintf("%s__%d", tok.Value, e.counter)
				out = append(out, fresh)
				continue
			}
		}
		out = append(out, tok)
	}
	return out
}

// bindingsOf collects the names a macro body binds itself: the target of
// every `let`, and every label definition (identifier directly followed by a
// colon). Parameters are substituted, never renamed.
func bindingsOf(body []token.Token, paramOf map[string]int) map[string]bool {
	bound := make(map[string]bool)
	for i, tok := range body {
		switch {
		case tok.Type == token.Let:
			if i+1 < len(body) && body[i+1].Type == token.Ident {
				if _, isParam := paramOf[body[i+1].Value]; !isParam {
					bound[body[i+1].Value] = true
				}
			}
		case tok.Type == token.Ident:
			if i+1 < len(body) && body[i+1].Type == token.Colon {
				if _, isParam := paramOf[tok.Value]; !isParam {
					bound[tok.Value] = true
				}
			}
		}
	}
	return bound
}

func (e *Expander) warnUnused() {
	if !e.cfg.IsWarningEnabled(config.WarnUnusedMacro) {
		return
	}
	for _, name := range e.defined {
		if !e.used[name] {
			e.rep.Warnf(util.StageMacro, "unused-macro", e.defs[name].Tok,
				"Macro '%s' is defined but never invoked", name)
		}
	}
}
