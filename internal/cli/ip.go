package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"example.com/landingtrack/internal/identity"
)

// NewPublicIPCmd creates the public-ip command.
func NewPublicIPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "public-ip",
		Short: "Show the public address this host is seen from",
		Long: `Query the IP-echo services in order and print the first IPv4 address.
This is the host's egress address; the landing API never reports it as a
visitor address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls, _ := cmd.Flags().GetStringSlice("url")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			ip, ok := identity.NewIPResolver(urls, timeout, logger).Lookup(cmd.Context())
			if !ok {
				return errors.New("no echo service answered")
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd, map[string]string{"ip": ip})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ip)
			return nil
		},
	}
	cmd.Flags().StringSlice("url", nil, "echo service URL, repeatable (default: built-in list)")
	cmd.Flags().Duration("timeout", 2*time.Second, "timeout per service")
	return cmd
}
