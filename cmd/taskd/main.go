package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokligence/taskd/internal/version"
)

var configRoot string

var rootCmd = &cobra.Command{
	Use:           "taskd",
	Short:         "taskd - paid generation task service",
	Long:          `taskd accepts generation tasks, charges them against a credit ledger, dispatches them to inference providers and streams their progress back to clients.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.FullInfo())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", ".", "Directory containing config/setting.ini")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(creditCmd)
	rootCmd.AddCommand(voucherCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
