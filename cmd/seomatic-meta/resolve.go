package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"finitefield.org/seomatic-meta/internal/head"
	"finitefield.org/seomatic-meta/internal/seomatic"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var asHead bool
	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve the metadata for one route and print it",
		Long: `Resolve fetches the SEOmatic containers for path and prints the metadata
bundle as JSON, or as an HTML head fragment with --head. Logs go to stderr.`,
		Example: `  seomatic-meta resolve /
  seomatic-meta resolve /news/launch --head`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			bundle, err := a.resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if asHead {
				return head.NewRenderer().Write(cmd.OutOrStdout(), bundle)
			}
			return writeBundle(cmd.OutOrStdout(), bundle)
		},
	}
	cmd.Flags().BoolVar(&asHead, "head", false, "print an HTML head fragment instead of JSON")
	return cmd
}

func writeBundle(w io.Writer, bundle seomatic.Bundle) error {
	raw, err := bundle.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}
