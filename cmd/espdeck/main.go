// Package main provides the espdeck command line: the serial console and
// flasher without the desktop window.
//
// Usage:
//
//	espdeck [--config FILE] <command> [options]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:           "espdeck",
		Usage:          "Serial console and firmware flasher for ESP devices",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags:          globalFlags(),
		Commands: []*cli.Command{
			portsCommand(),
			firmwaresCommand(),
			consoleCommand(),
			flashCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
