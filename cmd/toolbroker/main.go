// Command toolbroker runs the tool-retrieval broker: a persistent SQLite-
// backed catalog of upstream MCP tools, exposed to agents over MCP
// (retriever/executor) and REST (CRUD over upstream server configuration).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
