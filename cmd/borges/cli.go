package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/mcp"
	"github.com/borges-library/borges/internal/ops"
	"github.com/borges-library/borges/internal/query"
	"github.com/borges-library/borges/internal/web"
)

// newCLIApp creates the CLI application with all commands. rt may be nil
// when only help or version output is needed.
func newCLIApp(rt *runtime) *cli.App {
	app := &cli.App{
		Name:    "borges",
		Usage:   "Resilient gateway to the question-answering graph",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(rt),
			mcpCmd(rt),
			queryCmd(rt),
			healthCmd(rt),
			cacheCmd(rt),
			historyCmd(rt),
			purgeCmd(rt),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the JSON API for the UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Aliases: []string{"a"}, Usage: "Listen address (defaults to listen_addr)"},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			if addr == "" {
				addr = rt.cfg.ListenAddr
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			rt.Start(ctx)

			srv := web.NewServer(web.Options{
				Gateway:  rt.gw,
				DB:       rt.db,
				Gatherer: rt.registry,
				Logger:   rt.logger.With("component", "web"),
				Version:  Version,
				Addr:     addr,
			})
			if err := web.Run(ctx, srv, rt.logger); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the gateway as MCP tools over stdio (default when stdin is piped)",
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()
			rt.Start(ctx)

			s := mcp.NewServer(rt.gw, rt.db, rt.cfg, Version)
			if err := mcp.Run(ctx, s, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// queryCmd creates the query command.
func queryCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Ask a question and print the answer",
		ArgsUsage: "TEXT",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "scope", Aliases: []string{"s"}, Usage: "Community id to scope the answer to (repeatable)"},
			&cli.BoolFlag{Name: "json", Usage: "Print the full response as JSON"},
		},
		Action: func(c *cli.Context) error {
			text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if text == "" && stdinHasData() {
				data, err := readStdin(maxQueryBytes)
				if err != nil {
					return outputError(errors.NewBadRequest(err.Error()))
				}
				text = data
			}
			if text == "" {
				return outputError(errors.NewBadRequest("query text is required"))
			}

			resp, err := rt.gw.Query(c.Context, text, c.StringSlice("scope"))
			if err != nil {
				return outputError(err)
			}

			if c.Bool("json") {
				return outputJSON(resp)
			}
			return outputAnswer(resp)
		},
	}
}

// healthCmd creates the health command.
func healthCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check that the upstream service answers",
		Action: func(c *cli.Context) error {
			h := rt.gw.HealthCheck(c.Context)
			if err := outputJSON(h); err != nil {
				return err
			}
			if h.Status == query.HealthDown {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

// cacheCmd creates the cache command.
func cacheCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect the answer cache of this process",
		Subcommands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Print cache statistics",
				Action: func(c *cli.Context) error {
					return outputJSON(rt.gw.CacheStats())
				},
			},
		},
	}
}

// historyCmd creates the history command.
func historyCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List journaled queries, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "Filter: ok, error, or an error kind (e.g. TRANSIENT_NETWORK)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultHistoryLimit, Usage: "Maximum results"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			if rt.db == nil {
				return outputError(errors.NewNotFound("query history is disabled"))
			}

			output, err := ops.History(rt.db, ops.HistoryInput{
				Kind:   c.String("kind"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete old journal records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Required: true, Usage: "Delete records older than this age (e.g., 7d, 36h)"},
		},
		Action: func(c *cli.Context) error {
			if rt.db == nil {
				return outputError(errors.NewNotFound("query history is disabled"))
			}

			age, err := ops.ParseAge(c.String("older-than"))
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Purge(c.Context, rt.db, ops.PurgeInput{OlderThan: age})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// Helper functions

const maxQueryBytes = 16 << 10

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputAnswer prints the answer text followed by where it came from.
func outputAnswer(resp *query.Response) error {
	source := "upstream"
	if resp.FromCache {
		source = fmt.Sprintf("cache, hit %d", resp.HitCount)
	}
	_, err := fmt.Fprintf(os.Stdout, "%s\n\n(%s, %s)\n", strings.TrimSpace(resp.Result.Answer), source, resp.Duration.Round(time.Millisecond))
	return err
}

// outputError formats error for CLI.
func outputError(err error) error {
	if pErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s: %s", pErr.Code, pErr.UserMessage(), pErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("input exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
