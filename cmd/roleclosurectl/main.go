// Command roleclosurectl runs the role-closure engine: serving the
// read-only query surface, applying schema migrations, or forcing a full
// closure rebuild.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "roleclosurectl",
	Short: "Operate the materialized RBAC closure engine",
	Long: `roleclosurectl runs and administers the role-closure engine: the
materialized transitive closure of a role graph, maintained incrementally
under edits, queried through role_contains/roles_on_resource/visible_roles.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (optional; env vars and defaults apply otherwise)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rebuildAllCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
