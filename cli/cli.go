package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/fujiwara/ridge"
	"github.com/mashiike/slogutils"
	"github.com/mashiike/websim"
	"github.com/mashiike/websim/mcp"
)

type CLI struct {
	LogFormat string       `help:"Log format" enum:"json,text" default:"text"`
	Color     bool         `help:"Enable color output" negatable:"" default:"true"`
	Debug     bool         `help:"Enable debug mode" env:"DEBUG"`
	Config    string       `help:"Path to configuration file" short:"c" default:"websim.config.yml"`
	DB        string       `help:"Path to SQLite database for caching (empty: in-memory)" env:"WEBSIM_DB"`
	Serve     ServeOption  `cmd:"" default:"withargs" help:"Start the website simulator server"`
	Render    RenderOption `cmd:"" help:"Render the user prompt for a path without calling any model"`
	MCP       MCPOption    `cmd:"" name:"mcp" help:"Expose the simulator as an MCP browse tool"`
	Docs      struct{}     `cmd:"" help:"Show the configuration file schema"`
	Version   struct{}     `cmd:"" help:"Show version"`
}

type ServeOption struct {
	Address string `help:"Listen address" default:"localhost:3000"`
}

type RenderOption struct {
	Path    string `arg:"" help:"Request path"`
	Query   string `help:"Raw query string"`
	Referer string `help:"Referer header value"`
}

type MCPOption struct {
	Address string `help:"SSE listen address (empty: serve on stdio)"`
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "json":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level: level,
			},
		},
	)
	return slog.New(middleware)
}

func (c *CLI) Run(ctx context.Context) int {
	k := kong.Parse(c,
		kong.Name("websim"),
		kong.Description("AI-powered website simulator."),
		kong.UsageOnError(),
	)
	logLevel := slog.LevelInfo
	if c.Debug {
		logLevel = slog.LevelDebug
	}
	logger := newLogger(logLevel, c.LogFormat, c.Color)
	slog.SetDefault(logger)
	if err := c.run(ctx, k, logger); err != nil {
		logger.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context, logger *slog.Logger) error {
	switch cmd := k.Command(); cmd {
	case "version":
		fmt.Printf("websim version %s\n", websim.Version)
		return nil
	case "docs":
		schema, err := websim.ConfigSchema()
		if err != nil {
			return fmt.Errorf("config schema: %w", err)
		}
		fmt.Println(string(schema))
		return nil
	case "serve":
		return c.runServe(ctx, logger)
	case "render <path>":
		return c.runRender(ctx, logger)
	case "mcp":
		return c.runMCP(ctx, logger)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *CLI) newHandler(ctx context.Context, logger *slog.Logger) (*websim.Handler, *websim.Cache, error) {
	cfg, err := websim.LoadConfig(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger.InfoContext(ctx, "loaded config", "path", c.Config, "content_types", len(cfg.ContentTypes))
	for _, mimeType := range cfg.MIMETypes() {
		ct := cfg.ContentTypes[mimeType]
		logger.InfoContext(ctx, "content type configured",
			"mime_type", mimeType,
			"header", ct.ContentTypeHeader,
			"provider", ct.Provider,
			"model", ct.Model,
			"extensions", ct.Extensions,
		)
	}
	if c.DB == "" {
		logger.InfoContext(ctx, "using in-memory SQLite database")
	} else {
		logger.InfoContext(ctx, "opening SQLite database", "path", c.DB)
	}
	cache, err := websim.NewCache(c.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	h, err := websim.NewHandler(websim.HandlerConfig{
		Config: cfg,
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("new handler: %w", err)
	}
	return h, cache, nil
}

func (c *CLI) runServe(ctx context.Context, logger *slog.Logger) error {
	h, cache, err := c.newHandler(ctx, logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	logger.InfoContext(ctx, "server running", "address", c.Serve.Address)
	ridge.Run(c.Serve.Address, "/", h)
	return nil
}

func (c *CLI) runRender(ctx context.Context, logger *slog.Logger) error {
	h, cache, err := c.newHandler(ctx, logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	prompt, err := h.RenderUserPrompt(ctx, c.Render.Path, c.Render.Query, c.Render.Referer)
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}
	fmt.Println(prompt)
	return nil
}

func (c *CLI) runMCP(ctx context.Context, logger *slog.Logger) error {
	h, cache, err := c.newHandler(ctx, logger)
	if err != nil {
		return err
	}
	defer cache.Close()
	s := mcp.NewServer("websim", websim.Version, h)
	if c.MCP.Address == "" {
		logger.InfoContext(ctx, "serving MCP on stdio")
		return s.ServeStdio()
	}
	logger.InfoContext(ctx, "serving MCP over SSE", "address", c.MCP.Address)
	return s.ListenAndServeSSE(c.MCP.Address)
}
