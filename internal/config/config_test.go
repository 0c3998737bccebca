package config

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/multierr"
)

// TestParse 测试部分字段覆盖默认值
func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
[target]
abi = "win64"
chkstk = ""

[build]
workers = 4
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Target.ABI != "win64" || cfg.Target.Chkstk != "" || cfg.Build.Workers != 4 {
		t.Errorf("config = %+v", cfg)
	}
	if !cfg.Target.FramePointer || cfg.Log.Level != "info" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

// TestValidate 所有问题一起报告
func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Target.ABI = "fastcall"
	cfg.Build.Workers = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if len(multierr.Errors(err)) != 3 {
		t.Fatalf("Validate() = %v", err)
	}
	for _, want := range []error{ErrUnknownABI, ErrBadWorkers, ErrUnknownLevel} {
		if !errors.Is(err, want) {
			t.Errorf("missing %v in %v", want, err)
		}
	}

	if _, err := Parse([]byte("[target]\nabi = 3\n")); err == nil {
		t.Error("type mismatch accepted")
	}
}

// TestSaveLoad 保存后重新加载得到相同配置
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	cfg := Default()
	cfg.Target.ABI = "syscall"
	cfg.Build.Disasm = true
	cfg.Log.Development = true
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *cfg {
		t.Errorf("Load = %+v, want %+v", got, cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file loaded")
	}
}
