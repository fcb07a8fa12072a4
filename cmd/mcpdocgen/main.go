package main

import (
	"fmt"
	"os"

	"github.com/perfqa/perfhub/internal/core"
	"github.com/perfqa/perfhub/internal/tools"
)

func main() {
	registry := core.NewRegistry()
	if err := tools.RegisterAll(registry); err != nil {
		fmt.Fprintln(os.Stderr, "register tools:", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "# MCP Tools (Generated)")
	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "This file is generated from the tool registry. Do not edit by hand.")
	fmt.Fprintln(os.Stdout)

	for _, d := range registry.Descriptors() {
		fmt.Fprintf(os.Stdout, "- `%s`\n", d.Name)
		if d.Description != "" {
			fmt.Fprintf(os.Stdout, "  - Description: %s\n", d.Description)
		}
		if len(d.Needs) > 0 {
			fmt.Fprint(os.Stdout, "  - Resources:")
			for i, k := range d.Needs {
				if i > 0 {
					fmt.Fprint(os.Stdout, ",")
				}
				fmt.Fprintf(os.Stdout, " `%s`", k)
			}
			fmt.Fprintln(os.Stdout)
		}
		if len(d.Params) > 0 {
			fmt.Fprintln(os.Stdout, "  - Input:")
			for _, p := range d.Params {
				req := "optional"
				if p.Required {
					req = "required"
				}
				if p.Description != "" {
					fmt.Fprintf(os.Stdout, "    - `%s` (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
				} else {
					fmt.Fprintf(os.Stdout, "    - `%s` (%s, %s)\n", p.Name, p.Type, req)
				}
			}
		}
		fmt.Fprintln(os.Stdout)
	}
}
