package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string // overridable via --config flag

func main() {
	root := &cobra.Command{
		Use:   "relaymux",
		Short: "relaymux: unified messaging gateway",
		Long:  "relaymux bridges Telegram, Discord, Slack and other chat platforms into one canonical event stream served to local subscribers.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to relaymux.toml (default: ./relaymux.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
