package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymux/relaymux/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaymux " + version.GetInfo())
		},
	}
}
