package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of dasklaunch",

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("dasklaunch version %s\n", formatVersion(version, commit))
		return nil
	},
}
