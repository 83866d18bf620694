// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/jllopis/minions/pkg/config"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/telemetry"
	"github.com/jllopis/minions/pkg/tool"
	"github.com/jllopis/minions/pkg/tool/mcp"
)

// runServeTools publishes the memory tools of one tier over MCP on stdio.
// Logs go to stderr since stdout carries the protocol.
func runServeTools(ctx context.Context, global globalFlags, cfg *config.Config, args []string, std stdio) error {
	fs := flag.NewFlagSet("serve-tools", flag.ContinueOnError)
	fs.SetOutput(std.err)
	tier := fs.String("tier", "short_term", "Memory tier exposed by the tools")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("serve-tools", err.Error())
	}
	sub, err := memory.ParseSubsystem(*tier)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, std.err)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if global.ConfigPath != "" {
		w, err := config.NewWatcher(global.ConfigPath,
			config.WithProfile(global.Profile),
			config.WithWatchLogger(a.component("config")),
		)
		if err != nil {
			return err
		}
		w.OnChange(config.LevelUpdater(a.level, telemetry.ParseLevel))
		w.Start(ctx)
		defer w.Stop()
	}

	mgr, err := a.memory(ctx)
	if err != nil {
		return err
	}
	if !mgr.Has(sub) {
		return NewInvalidArgumentError("--tier", "tier "+string(sub)+" is not configured")
	}
	srv, err := mcp.NewServer("minions", version, tool.NewRegistry(tool.MemoryTools(mgr, sub)...))
	if err != nil {
		return err
	}
	a.logger.Info("mcp.serve.start", slog.String("tier", string(sub)))
	return mcp.ServeStdio(srv)
}
