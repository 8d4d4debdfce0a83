// Askari — superuser authorization manager.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "askari",
	Short: "Askari — superuser authorization manager.",
	Long: `Askari guards root access on a device. The su helper announces each
elevation request over a private socket channel; Askari resolves the
requester, consults the cached policy, prompts the device owner when
needed, and writes exactly one allow or deny verdict back on the wire.`,
	RunE:          runServe, // Default to daemon mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, requestCmd, policyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
