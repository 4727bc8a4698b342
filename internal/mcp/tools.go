package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var queryToolDef = mcp.NewTool("graph_query",
	mcp.WithDescription("Ask the question-answering service a question in natural language. "+
		"Answers are cached for a few minutes; identical questions over the same scopes are served from the cache."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The question to ask"),
	),
	mcp.WithArray("scope_ids",
		mcp.Description("Community identifiers restricting the answer. Order does not matter."),
		mcp.WithStringItems(),
	),
)

var healthToolDef = mcp.NewTool("graph_health",
	mcp.WithDescription("Check whether the question-answering service responds. "+
		"Reports ok, degraded (answered after retries) or down, with session pool statistics."),
)

var cacheStatsToolDef = mcp.NewTool("graph_cache_stats",
	mcp.WithDescription("Show the answer cache: entry count, bytes used, hits, misses and evictions."),
)

var historyToolDef = mcp.NewTool("graph_history",
	mcp.WithDescription("List recent questions from the query journal, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries (default 20, max 100)"),
	),
	mcp.WithNumber("offset",
		mcp.Description("Number of entries to skip"),
	),
	mcp.WithString("kind",
		mcp.Description("Filter by outcome: ok, error, or an error kind such as TRANSIENT_NETWORK"),
	),
)
