// Command grimoire runs the MCP Grimoire gateway.
package main

import (
	"fmt"
	"os"

	"github.com/stacklok/mcp-grimoire/cmd/grimoire/app"
)

func main() {
	if err := app.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Fatal error:", err)
		os.Exit(1)
	}
}
