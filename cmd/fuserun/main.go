package main

import (
	"fmt"
	"os"

	"github.com/fuselang/fuse/pkg/cli"
	"github.com/fuselang/fuse/pkg/image"
	"github.com/fuselang/fuse/pkg/vm"
)

func main() {
	app := cli.NewApp("fuserun")
	app.Synopsis = "fuserun [options] image"
	app.Description = "Execute a linked image and print the entry function's return value."

	var (
		quiet    bool
		exitCode bool
		steps    int64 = 0
	)
	app.FlagSet.Bool(&quiet, "quiet", "q", false, "Print only the return value")
	app.FlagSet.Bool(&exitCode, "exit-status", "", false, "Also use the low byte of the return value as the exit status")
	var stepsStr string
	app.FlagSet.String(&stepsStr, "step-limit", "", "", "Abort after <n> executed instructions", "n")

	app.Action = func(args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one image file")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		img, err := image.Decode(f)
		if err != nil {
			return err
		}

		m := vm.New(img)
		if stepsStr != "" {
			if _, err := fmt.Sscanf(stepsStr, "%d", &steps); err != nil || steps <= 0 {
				return fmt.Errorf("invalid step limit %q", stepsStr)
			}
			m.StepLimit = int(steps)
		}

		result, err := m.Run()
		if err != nil {
			return err
		}
		if quiet {
			fmt.Println(result)
		} else {
			fmt.Printf("%s: returned %d\n", args[0], result)
		}
		if exitCode {
			os.Exit(int(result & 0xFF))
		}
		return nil
	}

	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fuserun: %v\n", err)
		os.Exit(1)
	}
}
