package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"magiceye/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the magiceye version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "magiceye version %s\n", server.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
