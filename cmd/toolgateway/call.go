package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vikashloomba/tool-gateway-go/pkg/router"
)

// CallCmd invokes one tool. Arguments can be supplied inline via -i/--input
// or loaded from a JSON file via --input-file.
type CallCmd struct {
	Tool      string `short:"t" long:"tool" required:"yes" description:"Tool name"`
	Server    string `short:"s" long:"server" description:"Target server, bypassing routing"`
	Inline    string `short:"i" long:"input" description:"Inline JSON arguments (object)"`
	File      string `long:"input-file" description:"Path to JSON file with arguments (use - for stdin)"`
	TimeoutMS int    `long:"timeout-ms" description:"Deadline for the call in milliseconds"`
	Stream    bool   `long:"stream" description:"Request a streamed response and print each event"`

	root *Options
}

func (c *CallCmd) arguments() (map[string]any, error) {
	if c.Inline != "" && c.File != "" {
		return nil, fmt.Errorf("-i/--input and --input-file are mutually exclusive")
	}
	var data []byte
	switch {
	case c.Inline != "":
		data = []byte(c.Inline)
	case c.File == "-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		data = raw
	case c.File != "":
		raw, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("open input file: %w", err)
		}
		data = raw
	default:
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

func (c *CallCmd) Execute(_ []string) error {
	args, err := c.arguments()
	if err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := c.root.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	req := router.CallRequest{Tool: c.Tool, Server: c.Server, Args: args, TimeoutMS: c.TimeoutMS, Stream: c.Stream}
	if c.Stream {
		stream, _, err := rt.router.StreamTool(ctx, req)
		if err != nil {
			return err
		}
		defer stream.Close()
		for ev, err := range stream.All() {
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, string(ev))
		}
		return nil
	}

	res := rt.router.CallTool(ctx, req)
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(data))
	if !res.OK() {
		return fmt.Errorf("%s failed: %s", c.Tool, res.Error)
	}
	return nil
}
