package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ListToolsCmd prints every tool in `server<TAB>tool<TAB>description` form.
type ListToolsCmd struct {
	JSON bool `long:"json" description:"Print the tools as JSON"`

	root *Options
}

func (c *ListToolsCmd) Execute(_ []string) error {
	ctx := context.Background()
	rt, err := c.root.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	tools := rt.router.ListAllTools(ctx)
	// Sorting for deterministic output.
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Server != tools[j].Server {
			return tools[i].Server < tools[j].Server
		}
		return tools[i].Name < tools[j].Name
	})
	if c.JSON {
		data, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	}
	for _, t := range tools {
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.Server, t.Name, t.Description)
	}
	return nil
}
