// Package config 读取和保存后端配置文件 tb.toml
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// 常量定义
const (
	ConfigFileName = "tb.toml" // 配置文件名
)

// Config 后端配置
type Config struct {
	Target TargetConfig `toml:"target"`
	Build  BuildConfig  `toml:"build"`
	Log    LogConfig    `toml:"log"`
}

// TargetConfig 目标平台
type TargetConfig struct {
	// ABI 调用约定：sysv、win64 或 syscall
	ABI string `toml:"abi"`

	// FramePointer 有栈帧时总是建立 rbp 帧
	FramePointer bool `toml:"frame_pointer"`

	// Unwind 生成 Win64 展开信息
	Unwind bool `toml:"unwind"`

	// Chkstk 栈探测函数名，空表示不探测
	Chkstk string `toml:"chkstk"`
}

// BuildConfig 编译过程
type BuildConfig struct {
	// Workers 并发编译的函数数，0 表示 GOMAXPROCS
	Workers int `toml:"workers"`

	// Disasm 编译后保留反汇编文本
	Disasm bool `toml:"disasm"`
}

// LogConfig 日志
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			ABI:          "sysv",
			FramePointer: true,
			Unwind:       true,
			Chkstk:       "__chkstk",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load 从文件加载配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 文本
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	ErrUnknownABI   = errors.New("unknown abi")
	ErrBadWorkers   = errors.New("workers must not be negative")
	ErrUnknownLevel = errors.New("unknown log level")
)

var abiNames = []string{"sysv", "win64", "syscall"}

var levelNames = []string{"debug", "info", "warn", "error"}

// Validate 检查配置，返回所有问题
func (c *Config) Validate() error {
	var err error
	if !oneOf(c.Target.ABI, abiNames) {
		err = multierr.Append(err, fmt.Errorf("target.abi %q: %w", c.Target.ABI, ErrUnknownABI))
	}
	if c.Build.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("build.workers %d: %w", c.Build.Workers, ErrBadWorkers))
	}
	if !oneOf(c.Log.Level, levelNames) {
		err = multierr.Append(err, fmt.Errorf("log.level %q: %w", c.Log.Level, ErrUnknownLevel))
	}
	return err
}

func oneOf(s string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(s, n) {
			return true
		}
	}
	return false
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	if err := os.WriteFile(path, []byte(generateConfigWithComments(c)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[target]\n")
	sb.WriteString("# 调用约定：sysv / win64 / syscall\n")
	sb.WriteString(fmt.Sprintf("abi = %q\n", c.Target.ABI))
	sb.WriteString(fmt.Sprintf("frame_pointer = %t\n", c.Target.FramePointer))
	sb.WriteString("# 只对 win64 有效\n")
	sb.WriteString(fmt.Sprintf("unwind = %t\n", c.Target.Unwind))
	sb.WriteString("# 栈探测函数，留空表示不探测\n")
	sb.WriteString(fmt.Sprintf("chkstk = %q\n\n", c.Target.Chkstk))

	sb.WriteString("[build]\n")
	sb.WriteString("# 0 表示使用 GOMAXPROCS\n")
	sb.WriteString(fmt.Sprintf("workers = %d\n", c.Build.Workers))
	sb.WriteString(fmt.Sprintf("disasm = %t\n\n", c.Build.Disasm))

	sb.WriteString("[log]\n")
	sb.WriteString("# debug / info / warn / error\n")
	sb.WriteString(fmt.Sprintf("level = %q\n", c.Log.Level))
	sb.WriteString(fmt.Sprintf("development = %t\n", c.Log.Development))

	return sb.String()
}
