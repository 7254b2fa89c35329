package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fuselang/fuse/pkg/cli"
	"github.com/fuselang/fuse/pkg/config"
	"github.com/fuselang/fuse/pkg/driver"
	"github.com/fuselang/fuse/pkg/util"
)

func main() {
	cfg := config.NewConfig()
	app := cli.NewApp("fusec")
	app.Synopsis = "fusec [options] file..."
	app.Description = "Compile and link Fuse source files into an executable image."

	var (
		output   string
		entry    string
		dumpIR   bool
		checksum bool
		watch    bool
	)
	app.FlagSet.String(&output, "output", "o", "a.img", "Write the linked image to <file>", "file")
	app.FlagSet.String(&entry, "entry", "e", "main", "Use <symbol> as the image entry point", "symbol")
	app.FlagSet.Bool(&dumpIR, "dump-ir", "", false, "Print the symbolic instruction stream instead of linking")
	app.FlagSet.Bool(&checksum, "checksum", "", false, "Print the image checksum after a successful build")
	app.FlagSet.Bool(&watch, "watch", "w", false, "Stay running and rebuild whenever an input file changes")
	warnFlags, featFlags := cfg.SetupFlagGroups(app.FlagSet)

	app.Action = func(args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("no input files")
		}
		applyGroup(cfg, warnFlags)
		applyGroup(cfg, featFlags)
		cfg.EntrySymbol = entry

		if watch {
			return watchLoop(args, cfg, output, checksum)
		}
		return buildOnce(args, cfg, output, dumpIR, checksum)
	}

	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fusec: %v\n", err)
		os.Exit(1)
	}
}

// applyGroup transfers parsed -W/-F group flags into the config. An explicit
// no- form wins over the positive form.
func applyGroup(cfg *config.Config, entries []cli.FlagGroupEntry) {
	for _, e := range entries {
		if *e.Enabled {
			cfg.ApplyFlag("-" + e.Prefix + e.Name)
		}
		if *e.Disabled {
			cfg.ApplyFlag("-" + e.Prefix + "no-" + e.Name)
		}
	}
}

func readSources(paths []string) ([]driver.Source, error) {
	sources := make([]driver.Source, len(paths))
	for i, path := range paths {
		text, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sources[i] = driver.Source{Path: path, Text: string(text)}
	}
	return sources, nil
}

func buildOnce(paths []string, cfg *config.Config, output string, dumpIR, checksum bool) error {
	sources, err := readSources(paths)
	if err != nil {
		return err
	}

	if dumpIR {
		mods, diags := driver.Lower(sources, cfg)
		util.Render(os.Stderr, diags)
		if mods == nil {
			return fmt.Errorf("compilation failed")
		}
		for _, mod := range mods {
			fmt.Print(mod.Dump())
		}
		return nil
	}

	img, diags := driver.Build(sources, cfg)
	util.Render(os.Stderr, diags)
	if img == nil {
		return fmt.Errorf("compilation failed")
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := img.Encode(f); err != nil {
		return err
	}
	if checksum {
		fmt.Printf("%s: %016x\n", output, img.Checksum())
	}
	return nil
}

// watchLoop rebuilds on every change to an input file. Directories are
// watched rather than the files themselves; editors that replace files on
// save would otherwise silently detach the watch.
func watchLoop(paths []string, cfg *config.Config, output string, checksum bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	rebuild := func() {
		if err := buildOnce(paths, cfg, output, false, checksum); err != nil {
			fmt.Fprintf(os.Stderr, "fusec: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "fusec: wrote %s\n", output)
	}
	rebuild()

	// Editors fire bursts of events per save; collapse them.
	var debounce *time.Timer
	trigger := make(chan struct{}, 1)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(ev.Name)
			if !watched[abs] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case <-trigger:
			rebuild()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "fusec: watch error: %v\n", err)
		}
	}
}
