package main

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/borges-library/borges/internal/config"
	"github.com/borges-library/borges/internal/logging"
	"github.com/borges-library/borges/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"serve": true, "mcp": true, "query": true, "health": true,
	"history": true, "purge": true, "cache": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// --help or --version → CLI
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false // Default → MCP server
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _
  | |__   ___  _ __ __ _  ___  ___
  | '_ \ / _ \| '__/ _' |/ _ \/ __|
  | |_) | (_) | | | (_| |  __/\__ \
  |_.__/ \___/|_|  \__, |\___||___/
                   |___/
  Resilient gateway to the question-answering graph

  Usage: borges <command> [options]
         borges --help

  MCP server mode requires piped input.`)
}

// loadConfig reads ~/.borges/config.json, the repo overlay and the
// environment, then validates the result.
func loadConfig(baseDir string) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before wiring (no upstream needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fail("%v", err)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fail("could not determine home directory: %v", err)
	}
	baseDir := filepath.Join(homeDir, ".borges")

	cfg, err := loadConfig(baseDir)
	if err != nil {
		fail("failed to load config: %v", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		fail("%v", err)
	}
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", "tools", unknown)
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if !isCLIMode() && len(os.Args) >= 2 && isTerminal() {
		fail("unknown command %q\nRun 'borges --help' for usage.", os.Args[1])
	}

	rt, err := newRuntime(cfg, baseDir, logger)
	if err != nil {
		fail("%v", err)
	}
	defer rt.Close()

	args := os.Args
	if !isCLIMode() {
		// MCP server mode (default)
		args = []string{os.Args[0], "mcp"}
	}

	app := newCLIApp(rt)
	if err := app.Run(args); err != nil {
		rt.Close()
		var exitErr cli.ExitCoder
		if stderrors.As(err, &exitErr) && exitErr.Error() == "" {
			os.Exit(exitErr.ExitCode())
		}
		fail("%v", err)
	}
}
