package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tangzhangming/tb/internal/config"
	"github.com/tangzhangming/tb/internal/logging"
	"github.com/tangzhangming/tb/internal/module"
	"github.com/tangzhangming/tb/internal/x64"
)

var (
	configPath   = flag.String("config", "", "Path to tb.toml")
	abiName      = flag.String("abi", "", "Override target.abi (sysv, win64, syscall)")
	funcName     = flag.String("func", "", "Only dump this function")
	showIR       = flag.Bool("ir", false, "Show IR graphs")
	showManifest = flag.Bool("manifest", false, "Print the JSON manifest")
	showStats    = flag.Bool("stats", false, "Print compile statistics")
	writeConfig  = flag.String("init", "", "Write a default tb.toml to this path and exit")
)

func main() {
	flag.Parse()

	if *writeConfig != "" {
		if err := config.Default().Save(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *abiName != "" {
		cfg.Target.ABI = *abiName
	}
	cfg.Build.Disasm = true

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	opts, err := module.FromConfig(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	m := module.New("samples", opts)
	if err := buildSamples(m); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := m.Compile(context.Background()); err != nil {
		// 失败的函数已经记录，其余函数照常输出
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	for _, f := range m.Functions() {
		if *funcName != "" && f.Sym.Name != *funcName {
			continue
		}
		fmt.Printf("=== %s (%s) ===\n", f.Sym.Name, f.Section)
		if *showIR {
			fmt.Println(f.Graph.String())
		}
		if f.Err != nil {
			fmt.Printf("  %v\n\n", f.Err)
			continue
		}
		fmt.Print(x64.FormatTrace(f.Trace))
		fmt.Printf("  ; %d bytes, stack %d\n\n", len(f.Output.Code), f.Output.StackUsage)
	}

	if *showStats {
		s := m.Stats()
		fmt.Printf("compiled=%d failed=%d bytes=%d tiles=%d intervals=%d spills=%d\n",
			s.Compiled, s.Failed, s.CodeBytes, s.Tiles, s.Intervals, s.SpillMoves)
	}

	if *showManifest {
		img, err := m.Finalize()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := img.WriteManifest(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}
