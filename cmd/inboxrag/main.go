package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "inboxrag",
	Short:         "Answer unread email from previously seen mail",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	noColor = os.Getenv("NO_COLOR") != ""
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable colored output")
	rootCmd.SetVersionTemplate("inboxrag version {{.Version}}\n")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(repliesCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

