package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "fieldnotes",
	Short:         "Automated AI field-notes posting campaign for Bluesky",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fieldnotes version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldnotes version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "fieldnotes.json", "path to the config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
