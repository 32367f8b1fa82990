package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/fanoutgw/internal/aggregate"
	"github.com/vyrodovalexey/fanoutgw/internal/backend"
	"github.com/vyrodovalexey/fanoutgw/internal/gateway"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and print the route summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.OutOrStdout(), opts)
		},
	}
}

// runValidate loads the configuration and builds every route without
// binding any listener.
func runValidate(out io.Writer, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	client := backend.NewClientFromConfig(cfg.Transport)
	defer client.CloseIdleConnections()

	routes, err := gateway.BuildRoutes(cfg.Routes, client)
	if err != nil {
		return fmt.Errorf("invalid configuration %s: %w", opts.configPath, err)
	}

	fmt.Fprintf(out, "configuration %s is valid: %d route(s)\n", opts.configPath, len(routes))
	printRoutes(out, routes)
	return nil
}

func printRoutes(out io.Writer, routes []*aggregate.Route) {
	for _, r := range routes {
		fmt.Fprintf(out, "  %s\n", r.Name())
		fmt.Fprintf(out, "    patterns:  %s\n", strings.Join(r.Patterns(), " "))
		fmt.Fprintf(out, "    endpoints: %s\n", strings.Join(r.Endpoints(), ","))
	}
}
