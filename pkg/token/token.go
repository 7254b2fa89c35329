package token

type Type int

const (
	EOF Type = iota
	Ident
	Number
	String
	Fn
	Let
	Macro
	Return
	Asm
	Data
	Section
	Export
	U8
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	LParen
	RParen
	LBrace
	RBrace
	LBracket
	RBracket
	Semi
	Comma
	Colon
	Arrow
	Bang
	Eq
	Plus
	Minus
	Star
	Slash
	Rem
)

var KeywordMap = map[string]Type{
	"fn":      Fn,
	"let":     Let,
	"macro":   Macro,
	"return":  Return,
	"asm":     Asm,
	"data":    Data,
	"section": Section,
	"export":  Export,
	"u8":      U8,
	"u16":     U16,
	"u32":     U32,
	"u64":     U64,
	"i8":      I8,
	"i16":     I16,
	"i32":     I32,
	"i64":     I64,
}

// Reverse mapping from Type to the keyword string
var TypeStrings = make(map[Type]string)

func init() {
	for str, typ := range KeywordMap {
		TypeStrings[typ] = str
	}
}

// Token is a single lexical unit. Tokens are immutable once produced.
type Token struct {
	Type      Type
	Value     string
	Suffix    string // width suffix on a Number literal ("u64"), if any
	FileIndex int
	Line      int
	Column    int
	Len       int
}

// IsTypeKeyword reports whether t names one of the integer widths.
func (t Type) IsTypeKeyword() bool { return t >= U8 && t <= I64 }

// Text returns the source spelling of a token for diagnostics.
func (t Token) Text() string {
	if t.Value != "" {
		return t.Value
	}
	if s, ok := TypeStrings[t.Type]; ok {
		return s
	}
	switch t.Type {
	case EOF:
		return "<eof>"
	case LParen:
		return "("
	case RParen:
		return ")"
	case LBrace:
		return "{"
	case RBrace:
		return "}"
	case LBracket:
		return "["
	case RBracket:
		return "]"
	case Semi:
		return ";"
	case Comma:
		return ","
	case Colon:
		return ":"
	case Arrow:
		return "->"
	case Bang:
		return "!"
	case Eq:
		return "="
	case Plus:
		return "+"
	case Minus:
		return "-"
	case Star:
		return "*"
	case Slash:
		return "/"
	case Rem:
		return "%"
	}
	return "?"
}
