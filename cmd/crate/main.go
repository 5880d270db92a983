// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command crate packages source trees and pickled data into
// self-contained archives that load hermetically.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cratepkg/crate/log"
)

type command interface {
	Name() string           // "foobar"
	Args() string           // "<baz> [quux...]"
	ShortHelp() string      // "Foo the first bar"
	LongHelp() string       // "Foo the first bar meeting the following conditions..."
	Register(*flag.FlagSet) // command-specific flags
	Run(*log.Logger, *log.Logger, []string) error
}

func main() {
	c := &Config{
		Args:   os.Args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	os.Exit(c.Run())
}

// A Config specifies a full configuration for a crate execution.
type Config struct {
	Args           []string  // Command-line arguments, starting with the program name.
	Stdout, Stderr io.Writer // Log output
}

// Run executes a configuration and returns an exit code.
func (c *Config) Run() (exitCode int) {
	commands := []command{
		&packCommand{},
		&versionCommand{},
	}

	examples := [][2]string{
		{
			"crate pack",
			"build the archive described by Crate.toml",
		},
		{
			"crate pack -o model.crate -v",
			"build into model.crate with dependency tracing",
		},
	}

	outLogger := log.New(c.Stdout)
	errLogger := log.New(c.Stderr)

	usage := func() {
		errLogger.Logln("crate is a tool for packaging code and data into hermetic archives")
		errLogger.Logln()
		errLogger.Logln("Usage: crate <command>")
		errLogger.Logln()
		errLogger.Logln("Commands:")
		errLogger.Logln()
		w := tabwriter.NewWriter(c.Stderr, 0, 4, 2, ' ', 0)
		for _, cmd := range commands {
			fmt.Fprintf(w, "\t%s\t%s\n", cmd.Name(), cmd.ShortHelp())
		}
		w.Flush()
		errLogger.Logln()
		errLogger.Logln("Examples:")
		for _, example := range examples {
			fmt.Fprintf(w, "\t%s\t%s\n", example[0], example[1])
		}
		w.Flush()
		errLogger.Logln()
		errLogger.Logln("Use \"crate help [command]\" for more information about a command.")
	}

	cmdName, printCommandHelp, exit := parseArgs(c.Args)
	if exit {
		usage()
		return 1
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}

		fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		fs.SetOutput(c.Stderr)
		cmd.Register(fs)

		fs.Usage = func() {
			errLogger.Logf("Usage: crate %s %s\n", cmdName, cmd.Args())
			errLogger.Logln()
			errLogger.Logln(strings.TrimSpace(cmd.LongHelp()))
			errLogger.Logln()
			if hasFlags(fs) {
				errLogger.Logln("Flags:")
				errLogger.Logln()
				fs.PrintDefaults()
			}
		}

		if printCommandHelp {
			fs.Usage()
			return 1
		}

		if err := fs.Parse(c.Args[2:]); err != nil {
			return 1
		}

		if err := cmd.Run(outLogger, errLogger, fs.Args()); err != nil {
			errLogger.LogCratefln("%v", err)
			return 1
		}
		return 0
	}

	errLogger.LogCratefln("%s: no such command", cmdName)
	usage()
	return 1
}

func parseArgs(args []string) (cmdName string, printCmdUsage bool, exit bool) {
	isHelpArg := func() bool {
		return strings.Contains(strings.ToLower(args[1]), "help") || strings.ToLower(args[1]) == "-h"
	}

	switch len(args) {
	case 0, 1:
		exit = true
	case 2:
		if isHelpArg() {
			exit = true
			break
		}
		cmdName = args[1]
	default:
		if isHelpArg() {
			cmdName = args[2]
			printCmdUsage = true
			break
		}
		cmdName = args[1]
	}
	return cmdName, printCmdUsage, exit
}

func hasFlags(fs *flag.FlagSet) bool {
	flags := false
	fs.VisitAll(func(*flag.Flag) {
		flags = true
	})
	return flags
}
