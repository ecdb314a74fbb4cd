package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "toolbroker",
	Short: "A persistent tool-retrieval broker for upstream MCP servers",
}
