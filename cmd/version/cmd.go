package version

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "development"

var Cmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the current version of the bundling relay",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("%s\n", Version)
	},
}
