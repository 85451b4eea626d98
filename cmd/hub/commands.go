package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"routing-hub/internal/app"
	"routing-hub/internal/auth"
	"routing-hub/internal/config"
	"routing-hub/internal/crypto"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "hub",
		Short:        "Adaptive message routing hub",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newRoutesCommand())
	root.AddCommand(newTokenCommand())
	root.AddCommand(newEncryptCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var opts app.RunOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the routing hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.RoutesFile, "routes", "", "route file (overrides ROUTES_FILE)")
	cmd.Flags().StringVar(&opts.Port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func newRoutesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect route files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a route file without connecting any transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := config.LoadRouteFile(args[0])
			if err != nil {
				return err
			}
			registry := app.NewTransportRegistry()
			for _, spec := range rf.Transports {
				if !registry.IsRegistered(spec.Type) {
					return fmt.Errorf("transport %s: unsupported type %q", spec.Name, spec.Type)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d transports, %d routes, %d inbound sources\n",
				args[0], len(rf.Transports), len(rf.Routes), len(rf.Inbound))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <file>",
		Short: "List the routes of a route file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := config.LoadRouteFile(args[0])
			if err != nil {
				return err
			}
			types := make(map[string]string, len(rf.Transports))
			for _, spec := range rf.Transports {
				types[spec.Name] = spec.Type
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tTRANSPORT\tTYPE\tTARGET\tACTIVE")
			for _, r := range rf.Routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Transport, types[r.Transport], r.Target, r.IsActive())
			}
			return w.Flush()
		},
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := auth.New(os.Getenv("JWT_SECRET"), nil)
			if err != nil {
				return err
			}
			token, err := a.GenerateJWT(subject, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, reported as X-User-ID")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to embed (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Seal a transport secret with ENCRYPTION_KEY for use in a route file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sealer, err := crypto.NewSealer(os.Getenv("ENCRYPTION_KEY"))
			if err != nil {
				return err
			}
			sealed, err := sealer.Seal(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
