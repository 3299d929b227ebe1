package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/landingtrack/internal/capi"
)

// NewTestTokenCmd creates the test-token command.
func NewTestTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-token",
		Short: "Read a pixel and send one test event with an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			pixel, _ := cmd.Flags().GetString("pixel")
			testCode, _ := cmd.Flags().GetString("test-code")
			baseURL, _ := cmd.Flags().GetString("graph-url")
			version, _ := cmd.Flags().GetString("graph-version")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			if token == "" {
				token = os.Getenv("FACEBOOK_ACCESS_TOKEN")
			}
			if pixel == "" {
				pixel = os.Getenv("FACEBOOK_PIXEL_ID")
			}

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			client := capi.NewClient(baseURL, version, token, logger)
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			res, err := client.TestToken(ctx, token, pixel, testCode, time.Now().UTC())
			if err != nil {
				var upstream *capi.UpstreamError
				if errors.As(err, &upstream) {
					return fmt.Errorf("token rejected: %s", upstream.Message())
				}
				return err
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "token ok")
			fmt.Fprintf(out, "pixel: %s\n", res.PixelInfo)
			fmt.Fprintf(out, "test event: %s\n", res.EventTest)
			return nil
		},
	}

	cmd.Flags().String("token", "", "access token (default $FACEBOOK_ACCESS_TOKEN)")
	cmd.Flags().String("pixel", "", "pixel id (default $FACEBOOK_PIXEL_ID)")
	cmd.Flags().String("test-code", "", "test event code shown in Events Manager")
	cmd.Flags().String("graph-url", capi.DefaultGraphBaseURL, "Graph API base URL")
	cmd.Flags().String("graph-version", capi.DefaultVersion, "Graph API version")
	cmd.Flags().Duration("timeout", 15*time.Second, "overall timeout")
	return cmd
}
