// Space materializes code-generation model output into sandboxes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "space",
	Short: "Space applies code-generation model output to live sandboxes.",
	Long: `Space parses the text a code-generation model produces into files, package
installs and shell commands, and applies them to an isolated sandbox. It keeps a
registry of sandbox sessions and serves everything over an HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, applyCmd, sandboxCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitFailure)
	}
}
