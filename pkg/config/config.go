package config

import (
	"fmt"
	"strings"

	"github.com/fuselang/fuse/pkg/cli"
)

type Feature int

const (
	FeatAsm Feature = iota
	FeatMacros
	FeatCComments
	FeatImplicitReturn
	FeatCount
)

type Warning int

const (
	WarnOverflow Warning = iota
	WarnUnusedMacro
	WarnShadow
	WarnMissingReturn
	WarnExtra
	WarnCount
)

type Info struct {
	Name        string
	Enabled     bool
	Description string
}

type Config struct {
	Features   map[Feature]Info
	Warnings   map[Warning]Info
	FeatureMap map[string]Feature
	WarningMap map[string]Warning

	// Target properties. The only supported target is the 64-bit x86 subset
	// described by the encoding table in pkg/asm.
	WordSize   int
	StackAlign int
	TextBase   uint64
	// DataBase pins the data section to a fixed address when nonzero;
	// zero places it on the first page boundary after the text section.
	DataBase  uint64
	DataAlign uint64
	PageAlign uint64
	// AddressLimit bounds section placement; exceeding it is a link error.
	AddressLimit uint64

	// EntrySymbol names the function whose address becomes the image entry point.
	EntrySymbol string

	// MacroDepth bounds macro expansion nesting; ErrorCap bounds how many
	// diagnostics a single front-end pass collects before giving up.
	MacroDepth int
	ErrorCap   int
}

func NewConfig() *Config {
	cfg := &Config{
		Features:   make(map[Feature]Info),
		Warnings:   make(map[Warning]Info),
		FeatureMap: make(map[string]Feature),
		WarningMap: make(map[string]Warning),

		WordSize:     8,
		StackAlign:   16,
		TextBase:     0x401000,
		DataAlign:    8,
		PageAlign:    0x1000,
		AddressLimit: 1 << 31,
		EntrySymbol:  "main",
		MacroDepth:   64,
		ErrorCap:     20,
	}

	features := map[Feature]Info{
		FeatAsm:            {"asm", true, "Allow raw `asm { ... }` instruction blocks."},
		FeatMacros:         {"macros", true, "Allow `macro` definitions and `name!(...)` invocations."},
		FeatCComments:      {"c-comments", true, "Recognize C-style '//' line comments."},
		FeatImplicitReturn: {"implicit-return", true, "A block's unterminated final expression is its value."},
	}

	warnings := map[Warning]Info{
		WarnOverflow:      {"overflow", true, "Warn when an integer constant is out of range for its width."},
		WarnUnusedMacro:   {"unused-macro", false, "Warn about macros that are defined but never invoked."},
		WarnShadow:        {"shadow", true, "Warn when a binding shadows an earlier one in the same function."},
		WarnMissingReturn: {"missing-return", true, "Warn when a typed function can finish without a value."},
		WarnExtra:         {"extra", true, "Enable extra miscellaneous warnings."},
	}

	cfg.Features, cfg.Warnings = features, warnings
	for ft, info := range features {
		cfg.FeatureMap[info.Name] = ft
	}
	for wt, info := range warnings {
		cfg.WarningMap[info.Name] = wt
	}

	return cfg
}

func (c *Config) SetFeature(ft Feature, enabled bool) {
	if info, ok := c.Features[ft]; ok {
		info.Enabled = enabled
		c.Features[ft] = info
	}
}

func (c *Config) IsFeatureEnabled(ft Feature) bool { return c.Features[ft].Enabled }

func (c *Config) SetWarning(wt Warning, enabled bool) {
	if info, ok := c.Warnings[wt]; ok {
		info.Enabled = enabled
		c.Warnings[wt] = info
	}
}

func (c *Config) IsWarningEnabled(wt Warning) bool { return c.Warnings[wt].Enabled }

// SetupFlagGroups registers every feature and warning as a -F<name>/-Fno-<name>
// and -W<name>/-Wno-<name> flag pair and returns the entries so the caller can
// apply them after parsing.
func (c *Config) SetupFlagGroups(fs *cli.FlagSet) ([]cli.FlagGroupEntry, []cli.FlagGroupEntry) {
	warningFlags := make([]cli.FlagGroupEntry, WarnCount)
	for i := Warning(0); i < WarnCount; i++ {
		info := c.Warnings[i]
		warningFlags[i] = cli.FlagGroupEntry{
			Name:     info.Name,
			Prefix:   "W",
			Usage:    info.Description,
			Enabled:  new(bool),
			Disabled: new(bool),
		}
	}
	fs.AddFlagGroup("Warnings", "", "warning", "Available warnings", warningFlags)

	featureFlags := make([]cli.FlagGroupEntry, FeatCount)
	for i := Feature(0); i < FeatCount; i++ {
		info := c.Features[i]
		featureFlags[i] = cli.FlagGroupEntry{
			Name:     info.Name,
			Prefix:   "F",
			Usage:    info.Description,
			Enabled:  new(bool),
			Disabled: new(bool),
		}
	}
	fs.AddFlagGroup("Features", "", "feature", "Available features", featureFlags)

	return warningFlags, featureFlags
}

// ApplyFlag handles a single bare -W.../-F... style flag string.
func (c *Config) ApplyFlag(flag string) error {
	trimmed := strings.TrimPrefix(flag, "-")
	isNo := strings.HasPrefix(trimmed, "Wno-") || strings.HasPrefix(trimmed, "Fno-")
	enable := !isNo

	var name string
	var isWarning bool
	switch {
	case strings.HasPrefix(trimmed, "W"):
		name = strings.TrimPrefix(trimmed, "W")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
		isWarning = true
	case strings.HasPrefix(trimmed, "F"):
		name = strings.TrimPrefix(trimmed, "F")
		if isNo {
			name = strings.TrimPrefix(name, "no-")
		}
	default:
		return fmt.Errorf("unrecognized flag %q", flag)
	}

	if name == "all" && isWarning {
		for i := Warning(0); i < WarnCount; i++ {
			c.SetWarning(i, enable)
		}
		return nil
	}

	if isWarning {
		if w, ok := c.WarningMap[name]; ok {
			c.SetWarning(w, enable)
			return nil
		}
		return fmt.Errorf("unknown warning %q", name)
	}
	if f, ok := c.FeatureMap[name]; ok {
		c.SetFeature(f, enable)
		return nil
	}
	return fmt.Errorf("unknown feature %q", name)
}
