package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	if !cfg.IsFeatureEnabled(FeatMacros) || !cfg.IsFeatureEnabled(FeatAsm) {
		t.Error("macros and asm must default on")
	}
	if cfg.IsWarningEnabled(WarnUnusedMacro) {
		t.Error("unused-macro must default off")
	}
	if cfg.EntrySymbol != "main" {
		t.Errorf("entry symbol = %q, want main", cfg.EntrySymbol)
	}
	if cfg.TextBase%cfg.PageAlign != 0 {
		t.Errorf("text base %#x is not page aligned", cfg.TextBase)
	}
}

func TestApplyFlag(t *testing.T) {
	tests := []struct {
		flag    string
		wantErr bool
	}{
		{"-Wshadow", false},
		{"-Wno-shadow", false},
		{"-Wall", false},
		{"-Wno-all", false},
		{"-Fmacros", false},
		{"-Fno-implicit-return", false},
		{"-Wbogus", true},
		{"-Fbogus", true},
		{"-Xunknown", true},
	}
	for _, tt := range tests {
		cfg := NewConfig()
		err := cfg.ApplyFlag(tt.flag)
		if (err != nil) != tt.wantErr {
			t.Errorf("ApplyFlag(%q) error = %v, wantErr %v", tt.flag, err, tt.wantErr)
		}
	}
}

func TestApplyFlagToggles(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.ApplyFlag("-Fno-macros"); err != nil {
		t.Fatal(err)
	}
	if cfg.IsFeatureEnabled(FeatMacros) {
		t.Error("-Fno-macros left macros enabled")
	}
	if err := cfg.ApplyFlag("-Wunused-macro"); err != nil {
		t.Fatal(err)
	}
	if !cfg.IsWarningEnabled(WarnUnusedMacro) {
		t.Error("-Wunused-macro did not enable the warning")
	}
	if err := cfg.ApplyFlag("-Wno-all"); err != nil {
		t.Fatal(err)
	}
	for w := Warning(0); w < WarnCount; w++ {
		if cfg.IsWarningEnabled(w) {
			t.Errorf("-Wno-all left warning %q enabled", cfg.Warnings[w].Name)
		}
	}
}
