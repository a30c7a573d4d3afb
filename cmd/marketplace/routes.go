package main

import (
	"fmt"
	"os"
	"strings"

	"marketplace/pkg/idempotency"
	"marketplace/pkg/orders"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadRoutes reads the protected route list from path, or returns the order
// service's own routes when path is empty.
func loadRoutes(path string) (*idempotency.Routes, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return orders.ProtectedRoutes(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("routes file %q: %w", path, err)
	}
	defer f.Close()
	routes, err := idempotency.LoadRoutes(f)
	if err != nil {
		return nil, fmt.Errorf("routes file %q: %w", path, err)
	}
	return routes, nil
}

func newRoutesCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect the protected route policy",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the protected routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			routes, err := loadRoutes(v.GetString("routes-file"))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rt := range routes.List() {
				fmt.Fprintf(out, "%-6s %s\n", rt.Method, rt.Path)
			}
			return nil
		},
	}

	var method, path string
	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether a request would require an idempotency key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("--path is required")
			}
			routes, err := loadRoutes(v.GetString("routes-file"))
			if err != nil {
				return err
			}
			normalized := idempotency.NormalizePath(path, v.GetString("context-prefix"))
			verdict := "not protected"
			if routes.Protects(method, normalized) {
				verdict = "protected"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", strings.ToUpper(method), normalized, verdict)
			return nil
		},
	}
	check.Flags().StringVar(&method, "method", "POST", "HTTP method")
	check.Flags().StringVar(&path, "path", "", "request path, e.g. /api/orders/42/cancel")

	cmd.AddCommand(list, check)
	return cmd
}
