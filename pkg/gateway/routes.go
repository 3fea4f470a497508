package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
	"github.com/vikashloomba/tool-gateway-go/pkg/router"
)

// callBody is the POST /call payload.
type callBody struct {
	Tool      string         `json:"tool" binding:"required"`
	Args      map[string]any `json:"args"`
	Stream    bool           `json:"stream"`
	TimeoutMS int            `json:"timeout_ms" binding:"gte=0"`
	Server    string         `json:"server"`
}

func (g *Gateway) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(requestID())
	engine.Use(accessLog(g.opts.Logger))
	engine.Use(gin.Recovery())

	engine.GET("/health", g.handleHealth)
	engine.GET("/tools", g.handleTools)
	engine.POST("/call", g.handleCall)
	engine.GET("/circuit-breakers", g.handleBreakers)
	engine.GET("/connections", g.handleConnections)
	engine.POST("/registry/reload", g.handleReload)
	if g.streamHandler != nil {
		path := g.opts.MCPPath
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		engine.Any(path, gin.WrapH(g.streamHandler))
	}
	return engine
}

func (g *Gateway) handleHealth(c *gin.Context) {
	reg := g.router.Registry()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": reg.Version(),
		"servers": len(reg.GetEnabledServers()),
	})
}

func (g *Gateway) handleTools(c *gin.Context) {
	tools := g.router.ListAllTools(c.Request.Context())
	g.mirrorTools()
	c.JSON(http.StatusOK, gin.H{"tools": tools, "count": len(tools)})
}

func (g *Gateway) handleCall(c *gin.Context) {
	var body callBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := router.CallRequest{
		Tool:      body.Tool,
		Args:      body.Args,
		Stream:    body.Stream,
		TimeoutMS: body.TimeoutMS,
		Server:    body.Server,
	}
	if req.Stream {
		g.streamCall(c, req)
		return
	}
	c.JSON(http.StatusOK, g.router.CallTool(c.Request.Context(), req))
}

// streamCall writes each event as a blank-line-delimited JSON frame. A
// failure before the first event is reported like any failed call; a
// failure mid-stream ends it with an error frame.
func (g *Gateway) streamCall(c *gin.Context, req router.CallRequest) {
	start := time.Now()
	stream, server, err := g.router.StreamTool(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusOK, router.FailedResult(server, time.Since(start), err))
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Tool-Server", server)
	c.Status(http.StatusOK)
	for ev, err := range stream.All() {
		if err != nil {
			frame, _ := json.Marshal(router.FailedResult(server, time.Since(start), err))
			writeFrame(c, frame)
			return
		}
		writeFrame(c, ev)
	}
}

func writeFrame(c *gin.Context, frame []byte) {
	_, _ = c.Writer.Write(frame)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (g *Gateway) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, g.router.BreakerStatuses())
}

func (g *Gateway) handleConnections(c *gin.Context) {
	conns := g.router.Connections()
	c.JSON(http.StatusOK, gin.H{"connections": conns, "count": len(conns)})
}

func (g *Gateway) handleReload(c *gin.Context) {
	summary, err := g.router.ReloadRegistry(c.Request.Context())
	if err != nil {
		g.logError("registry reload failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "error_type": gwerrors.TypeOf(err)})
		return
	}
	if g.server != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
			defer cancel()
			g.SyncTools(ctx)
		}()
	}
	c.JSON(http.StatusOK, summary)
}
