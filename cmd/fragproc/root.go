package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "fragproc",
	Short: "Streaming fragment processor",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}
