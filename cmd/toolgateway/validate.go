package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/vikashloomba/tool-gateway-go/pkg/registry"
)

// ValidateCmd loads the registry without connecting to anything.
type ValidateCmd struct {
	root *Options
}

func (c *ValidateCmd) Execute(_ []string) error {
	zl, logger, err := c.root.logger()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	reg, err := registry.Load(context.Background(), c.root.Config, &registry.Options{Logger: logger})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTYPE\tPROTOCOL\tENABLED\tTARGET\tKEY")
	for _, cfg := range reg.Servers() {
		target := cfg.URL
		if registry.IsStdio(cfg) {
			target = cfg.Command
		}
		name := cfg.Name
		if cfg.Dynamic {
			name += " (catalog)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", name, cfg.Type, cfg.Protocol, cfg.IsEnabled(), target, cfg.Key())
	}
	if err := w.Flush(); err != nil {
		return err
	}

	routing := reg.Routing()
	patterns := make([]string, 0, len(routing.CapabilityPatterns))
	for p := range routing.CapabilityPatterns {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		fmt.Fprintf(stdout, "route %s -> %s\n", p, routing.CapabilityPatterns[p])
	}
	if routing.DefaultServer != "" {
		fmt.Fprintf(stdout, "default -> %s\n", routing.DefaultServer)
	}
	return nil
}
