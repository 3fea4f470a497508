package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/tool-gateway-go/pkg/gateway"
)

// ServeCmd runs the HTTP surface until SIGINT or SIGTERM.
type ServeCmd struct {
	Addr           string   `short:"a" long:"addr" env:"TOOL_GATEWAY_ADDR" default:":8700" description:"Listen address"`
	MCPPath        string   `long:"mcp-path" env:"TOOL_GATEWAY_MCP_PATH" default:"/mcp" description:"Streamable MCP endpoint path"`
	NoMCP          bool     `long:"no-mcp" description:"Do not mount the MCP endpoint"`
	Stateless      bool     `long:"stateless" description:"Serve MCP without session state"`
	AllowedOrigins []string `long:"allowed-origin" env:"TOOL_GATEWAY_ALLOWED_ORIGINS" env-delim:"," description:"CORS origin allowed to call the gateway (repeatable)"`

	root *Options
}

func (c *ServeCmd) Execute(_ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.root.LogEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	rt, err := c.root.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.manager.Start(ctx)

	gw, err := gateway.New(rt.router, &gateway.Options{
		Addr:           c.Addr,
		MCPPath:        c.MCPPath,
		DisableMCP:     c.NoMCP,
		Streamable:     mcp.StreamableHTTPOptions{Stateless: c.Stateless},
		AllowedOrigins: c.AllowedOrigins,
		Logger:         rt.logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}

	opts := gw.Options()
	rt.logger.Info("gateway listening", "addr", opts.Addr, "mcp", !opts.DisableMCP, "servers", len(rt.registry.GetEnabledServers()))
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("gateway stopped")
	return nil
}
