// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Command minions runs agent recipes and inspects their step graphs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jllopis/minions/pkg/config"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	// ConfigPath and Profile are kept for commands that watch the file.
	ConfigPath string
	Profile    string
	JSON       bool
	Help       bool
}

type command func(ctx context.Context, global globalFlags, cfg *config.Config, args []string, stdio stdio) error

type stdio struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

var commands = map[string]command{
	"run":         runRun,
	"validate":    runValidate,
	"graph":       runGraph,
	"serve-tools": runServeTools,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err, global.JSON)
	}
	if global.Help || len(args) == 0 {
		printUsage(os.Stdout)
		return
	}
	switch args[0] {
	case "help":
		printUsage(os.Stdout)
		return
	case "version":
		fmt.Println("minions", version)
		return
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fatal(NewInvalidArgumentError("command", fmt.Sprintf("unknown command %q", args[0])), global.JSON)
	}
	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(NewConfigError(err), global.JSON)
	}
	if err := cmd(ctx, global, cfg, args[1:], stdio{in: os.Stdin, out: os.Stdout, err: os.Stderr}); err != nil {
		fatal(err, global.JSON)
	}
}

// parseGlobalFlags consumes the flags before the command name. Config
// flags are collected verbatim for config.LoadWithCLI.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config" || arg == "--set" || arg == "--profile" || arg == "--env":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", arg)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			flags.remember(arg, args[i+1])
			i++
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "--set="),
			strings.HasPrefix(arg, "--profile="), strings.HasPrefix(arg, "--env="):
			flags.ConfigArgs = append(flags.ConfigArgs, arg)
			name, value, _ := strings.Cut(arg, "=")
			flags.remember(name, value)
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func (f *globalFlags) remember(flag, value string) {
	switch flag {
	case "--config":
		f.ConfigPath = value
	case "--profile", "--env":
		f.Profile = value
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `minions - multi-step LLM agent runtime

Usage:
  minions [global flags] <command> [flags]

Commands:
  run          Run a recipe for one or more conversations
  validate     Validate configuration, recipes and memory backends
  graph        Render the step graph of a recipe (mermaid, dot, json)
  serve-tools  Serve the memory tools over MCP on stdio
  version      Print the version
  help         Show this help

Global flags:
  --config <path>      Configuration file (YAML)
  --profile <name>     Merge config.<name>.yaml over the base file (alias --env)
  --set key=value      Override a configuration key, repeatable
  --json               JSON output
`)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func fatal(err error, asJSON bool) {
	PrintError(os.Stderr, err, asJSON)
	os.Exit(1)
}
