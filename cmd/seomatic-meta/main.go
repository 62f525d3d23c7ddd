package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information, set at build time with -ldflags.
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

type rootOptions struct {
	envFile  string
	logLevel string
	debug    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "seomatic-meta",
		Short: "Resolve SEOmatic head metadata from a Craft CMS GraphQL API",
		Long: `seomatic-meta fetches the SEOmatic containers for a route from a Craft CMS
GraphQL endpoint and turns them into head metadata, either once from the
command line or behind an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the process environment")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log remaps and raw GraphQL data, overrides SEOMATIC_DEBUG")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newResolveCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
