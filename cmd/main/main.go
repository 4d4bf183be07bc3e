package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Blu-J/rundler/cmd/export"
	"github.com/Blu-J/rundler/cmd/run"
	"github.com/Blu-J/rundler/cmd/version"
)

var rootCmd = &cobra.Command{
	Use:   "",
	Short: "Utility commands for the bundling relay",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("failed to run command")
		os.Exit(1)
	}
}

func main() {
	rootCmd.AddCommand(version.Cmd)
	rootCmd.AddCommand(run.Cmd)
	rootCmd.AddCommand(export.Cmd)

	Execute()
}
